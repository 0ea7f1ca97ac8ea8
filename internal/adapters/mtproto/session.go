package mtproto

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/gotd/td/crypto"
	"github.com/gotd/td/session"
	"github.com/gotd/td/tg"
)

// ErrUnknownSession формат сессии не распознан.
var ErrUnknownSession = errors.New("неизвестный формат MTProto сессии")

// sessionFile формат, в котором gotd хранит сессию.
type sessionFile struct {
	Version int          `json:"Version"`
	Data    session.Data `json:"Data"`
}

// ImportSession приводит сессию к формату gotd. Поддерживаются JSON gotd, строка Telethon,
// экспорт аккаунта с extra_params и выгрузка таблицы sessions Telethon.
// Второе значение сообщает, понадобилась ли конвертация.
func ImportSession(raw []byte) ([]byte, bool, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, false, errors.New("файл сессии пуст")
	}

	var native sessionFile
	if err := json.Unmarshal(raw, &native); err == nil && native.Version != 0 {
		return append([]byte(nil), raw...), false, nil
	}

	for _, convert := range []func([]byte) (session.Data, error){fromAccountExport, fromSessionRows, fromTelethonString} {
		data, err := convert(raw)
		if err == nil {
			out, err := json.Marshal(sessionFile{Version: 1, Data: data})
			if err != nil {
				return nil, false, fmt.Errorf("сериализация сессии: %w", err)
			}
			return out, true, nil
		}
	}
	return nil, false, ErrUnknownSession
}

func fromAccountExport(raw []byte) (session.Data, error) {
	var account struct {
		ExtraParams string `json:"extra_params"`
	}
	if err := json.Unmarshal(raw, &account); err != nil {
		return session.Data{}, err
	}
	if account.ExtraParams == "" {
		return session.Data{}, errors.New("нет extra_params")
	}
	return fromTelethonString([]byte(account.ExtraParams))
}

func fromSessionRows(raw []byte) (session.Data, error) {
	var rows []struct {
		DC      int    `json:"dc_id"`
		Address string `json:"server_address"`
		Port    int    `json:"port"`
		AuthKey string `json:"auth_key"`
	}
	if err := json.Unmarshal(raw, &rows); err != nil {
		return session.Data{}, err
	}
	for _, row := range rows {
		if row.AuthKey != "" && row.Address != "" && row.Port != 0 {
			return dataFromKey(row.DC, row.Address, row.Port, row.AuthKey)
		}
	}
	return session.Data{}, errors.New("нет строк с ключом авторизации")
}

func fromTelethonString(raw []byte) (session.Data, error) {
	value := strings.Trim(strings.TrimSpace(string(raw)), "\"'")
	if value == "" {
		return session.Data{}, errors.New("пустая строка сессии")
	}
	data, err := session.TelethonSession(value)
	if err != nil {
		return session.Data{}, err
	}
	if data.Config.ThisDC == 0 {
		data.Config.ThisDC = data.DC
	}
	if len(data.Config.DCOptions) == 0 && data.Addr != "" {
		if host, port, err := splitAddr(data.Addr); err == nil {
			data.Config.DCOptions = []tg.DCOption{{ID: data.DC, IPAddress: host, Port: port}}
		}
	}
	return *data, nil
}

func dataFromKey(dc int, host string, port int, keyHex string) (session.Data, error) {
	rawKey, err := hex.DecodeString(strings.Trim(strings.TrimSpace(keyHex), "'\""))
	if err != nil {
		return session.Data{}, fmt.Errorf("декодирование auth_key: %w", err)
	}
	var key crypto.Key
	if len(rawKey) != len(key) {
		return session.Data{}, fmt.Errorf("auth_key длиной %d байт", len(rawKey))
	}
	copy(key[:], rawKey)
	id := key.WithID().ID

	return session.Data{
		Config: session.Config{
			ThisDC:    dc,
			DCOptions: []tg.DCOption{{ID: dc, IPAddress: host, Port: port}},
		},
		DC:        dc,
		Addr:      net.JoinHostPort(host, strconv.Itoa(port)),
		AuthKey:   append([]byte(nil), key[:]...),
		AuthKeyID: append([]byte(nil), id[:]...),
	}, nil
}

func splitAddr(addr string) (string, int, error) {
	host, portRaw, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portRaw)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}
