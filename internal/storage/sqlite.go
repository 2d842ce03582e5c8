package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"alarmd/internal/alarm"
	logx "alarmd/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer keeps SQLite lock contention out of the picture.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}
	if _, err := db.Exec(migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) LoadAlarms(ctx context.Context) ([]alarm.Alarm, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, data FROM alarms ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []alarm.Alarm
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		var a alarm.Alarm
		if err := json.Unmarshal([]byte(data), &a); err != nil {
			s.log.Warn("skipping undecodable alarm row", logx.String("id", id), logx.Err(err))
			continue
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveAlarms(ctx context.Context, alarms []alarm.Alarm) error {
	return s.replace(ctx, `DELETE FROM alarms`, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO alarms(id, user_id, state, updated_at, data) VALUES(?,?,?,?,?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, a := range alarms {
			b, err := json.Marshal(a)
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx, a.ID, a.UserID, string(a.State), a.UpdatedAt.UTC().Format(time.RFC3339Nano), string(b)); err != nil {
				return fmt.Errorf("insert alarm %s: %w", a.ID, err)
			}
		}
		return nil
	})
}

func (s *sqliteStore) LoadEvents(ctx context.Context) ([]alarm.Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM events ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []alarm.Event
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var e alarm.Event
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			s.log.Warn("skipping undecodable event row", logx.Err(err))
			continue
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveEvents(ctx context.Context, events []alarm.Event) error {
	return s.replace(ctx, `DELETE FROM events`, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO events(alarm_id, kind, at, data) VALUES(?,?,?,?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, e := range events {
			b, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx, e.AlarmID, string(e.Kind), e.At.UTC().Format(time.RFC3339Nano), string(b)); err != nil {
				return err
			}
		}
		return nil
	})
}

// replace runs clear followed by fill in one transaction.
func (s *sqliteStore) replace(ctx context.Context, clear string, fill func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, clear); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := fill(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
