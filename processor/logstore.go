// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package processor

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/creachadair/flit"
)

// A SQLiteStore is a Store that journals message traffic to a SQLite
// database, one row per logged message.
type SQLiteStore struct {
	db  *sql.DB
	ins *sql.Stmt
}

const journalSchema = `CREATE TABLE IF NOT EXISTS journal (
  at       INTEGER NOT NULL,
  dir      TEXT NOT NULL,
  kind     INTEGER NOT NULL,
  id       INTEGER NOT NULL,
  sender   INTEGER NOT NULL,
  receiver INTEGER NOT NULL,
  size     INTEGER NOT NULL
)`

// OpenSQLiteStore opens or creates the journal database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if _, err := db.Exec(journalSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init journal: %w", err)
	}
	ins, err := db.Prepare(
		"INSERT INTO journal (at, dir, kind, id, sender, receiver, size) VALUES (?, ?, ?, ?, ?, ?, ?)")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare journal insert: %w", err)
	}
	return &SQLiteStore{db: db, ins: ins}, nil
}

// Append implements the [Store] interface.
func (s *SQLiteStore) Append(dir string, m *flit.Message) error {
	_, err := s.ins.Exec(time.Now().UnixMilli(), dir,
		int(m.Kind), int64(m.ID), int64(m.Sender), int64(m.Receiver), len(m.Data))
	return err
}

// Close flushes and closes the journal database.
func (s *SQLiteStore) Close() error {
	s.ins.Close()
	return s.db.Close()
}
