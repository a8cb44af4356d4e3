package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "wxalert/pkg/logx"
)

// fileStore keeps all items in one JSON object file.
//
// The file is re-read on every access so that separate processes sharing the
// same path (daemon and -once runs) observe each other's writes. Writes go to
// a temp file and are renamed into place, so readers never see a torn file.
type fileStore struct {
	log  logx.Logger
	path string

	mu     sync.Mutex
	closed bool
}

func openFile(cfg Config, log logx.Logger) (KV, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &fileStore{log: log, path: path}, nil
}

func (s *fileStore) GetItem(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", false, ErrClosed
	}
	m, err := s.readLocked()
	if err != nil {
		return "", false, err
	}
	v, ok := m[key]
	return v, ok, nil
}

func (s *fileStore) SetItem(ctx context.Context, key, value string) error {
	return s.mutate(ctx, func(m map[string]string) { m[key] = value })
}

func (s *fileStore) RemoveItem(ctx context.Context, key string) error {
	return s.mutate(ctx, func(m map[string]string) { delete(m, key) })
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fileStore) mutate(ctx context.Context, fn func(m map[string]string)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	m, err := s.readLocked()
	if err != nil {
		// A corrupt file must not block new writes forever; start over.
		if !errors.Is(err, ErrCorrupt) {
			return err
		}
		s.log.Warn("storage file corrupt; rewriting", logx.String("path", s.path), logx.Err(err))
		m = map[string]string{}
	}
	fn(m)
	return s.writeLocked(m)
}

func (s *fileStore) readLocked() (map[string]string, error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	m := map[string]string{}
	if len(strings.TrimSpace(string(b))) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, s.path, err)
	}
	return m, nil
}

func (s *fileStore) writeLocked(m map[string]string) error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(m); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
