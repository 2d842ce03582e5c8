package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"alarmd/internal/alarm"
	logx "alarmd/pkg/logx"
)

// fileStore keeps two snapshot files next to cfg.Path:
//   - <prefix>.alarms.json
//   - <prefix>.events.json
type fileStore struct {
	log        logx.Logger
	alarmsPath string
	eventsPath string

	mu     sync.Mutex
	closed bool
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	prefix := filepath.Join(dir, base)
	return &fileStore{
		log:        log,
		alarmsPath: prefix + ".alarms.json",
		eventsPath: prefix + ".events.json",
	}, nil
}

func (s *fileStore) LoadAlarms(ctx context.Context) ([]alarm.Alarm, error) {
	var out []alarm.Alarm
	if err := s.read(ctx, s.alarmsPath, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *fileStore) SaveAlarms(ctx context.Context, alarms []alarm.Alarm) error {
	if alarms == nil {
		alarms = []alarm.Alarm{}
	}
	return s.write(ctx, s.alarmsPath, alarms)
}

func (s *fileStore) LoadEvents(ctx context.Context) ([]alarm.Event, error) {
	var out []alarm.Event
	if err := s.read(ctx, s.eventsPath, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *fileStore) SaveEvents(ctx context.Context, events []alarm.Event) error {
	if events == nil {
		events = []alarm.Event{}
	}
	return s.write(ctx, s.eventsPath, events)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// read decodes path into v. A missing file leaves v untouched.
func (s *fileStore) read(ctx context.Context, path string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrDisabled
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

// write replaces path atomically.
func (s *fileStore) write(ctx context.Context, path string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrDisabled
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
