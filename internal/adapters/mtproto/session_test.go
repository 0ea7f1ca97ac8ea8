package mtproto

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestImportSessionKeepsNativeFormat(t *testing.T) {
	raw := []byte(` {"Version":1,"Data":{"DC":2}} `)
	out, converted, err := ImportSession(raw)
	if err != nil || converted {
		t.Fatalf("родной формат не конвертируется: %v %v", converted, err)
	}
	if string(out) != `{"Version":1,"Data":{"DC":2}}` {
		t.Fatalf("неожиданный результат: %s", out)
	}
}

func TestImportSessionFromRows(t *testing.T) {
	key := strings.Repeat("ab", 256)
	raw := []byte(`[{"dc_id":2,"server_address":"149.154.167.50","port":443,"auth_key":"` + key + `"}]`)
	out, converted, err := ImportSession(raw)
	if err != nil || !converted {
		t.Fatalf("ожидали конвертацию: %v %v", converted, err)
	}
	var file sessionFile
	if err := json.Unmarshal(out, &file); err != nil {
		t.Fatalf("результат должен быть JSON: %v", err)
	}
	if file.Version != 1 || file.Data.DC != 2 || file.Data.Addr != "149.154.167.50:443" || len(file.Data.AuthKey) != 256 {
		t.Fatalf("неожиданные данные: %+v", file.Data)
	}
}

func TestImportSessionRejectsGarbage(t *testing.T) {
	if _, _, err := ImportSession([]byte("   ")); err == nil {
		t.Fatal("пустой файл должен отклоняться")
	}
	if _, _, err := ImportSession([]byte(`{"foo":1}`)); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("ожидали ErrUnknownSession, получили %v", err)
	}
}
