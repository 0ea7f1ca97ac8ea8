package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// document JSON-файл, который читается и записывается целиком.
// Каждая мутация перечитывает актуальное содержимое, меняет один ключ и атомарно
// заменяет файл, поэтому параллельные обновления других ключей не теряются.
type document struct {
	mu   sync.Mutex
	path string
}

func newDocument(path string) (*document, error) {
	if path == "" {
		return nil, errors.New("путь к файлу не задан")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("создание каталога %s: %w", filepath.Dir(path), err)
	}
	return &document{path: path}, nil
}

// read возвращает содержимое документа. Отсутствующий или пустой файл даёт пустой объект.
func (d *document) read() (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(d.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]json.RawMessage{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("чтение %s: %w", d.path, err)
	}
	doc := map[string]json.RawMessage{}
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("разбор %s: %w", d.path, err)
	}
	return doc, nil
}

// view читает документ под блокировкой.
func (d *document) view(fn func(doc map[string]json.RawMessage) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	doc, err := d.read()
	if err != nil {
		return err
	}
	return fn(doc)
}

// update читает документ, применяет fn и записывает результат. Если fn вернула
// errSkipWrite, файл не трогается.
func (d *document) update(fn func(doc map[string]json.RawMessage) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	doc, err := d.read()
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		if errors.Is(err, errSkipWrite) {
			return nil
		}
		return err
	}
	return d.write(doc)
}

var errSkipWrite = errors.New("запись не требуется")

func (d *document) write(doc map[string]json.RawMessage) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("сериализация %s: %w", d.path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(d.path), filepath.Base(d.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("временный файл: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("запись %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("fsync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("закрытие %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, d.path); err != nil {
		cleanup()
		return fmt.Errorf("замена %s: %w", d.path, err)
	}
	return nil
}
