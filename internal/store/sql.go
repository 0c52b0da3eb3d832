package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// SQL persists research state as a JSON document per research in a single
// table. The same implementation serves Postgres and SQLite; only the DSN and
// placeholder style differ, which sqlx rebinding handles.
type SQL struct {
	db     *sqlx.DB
	logger *zap.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS research_state (
    research_id TEXT PRIMARY KEY,
    record      TEXT NOT NULL,
    updated_at  TIMESTAMP NOT NULL
)`

// NewPostgres opens a Postgres-backed store and ensures the schema exists.
func NewPostgres(dsn string, logger *zap.Logger) (*SQL, error) {
	return newSQL("postgres", dsn, logger)
}

// NewSQLite opens a SQLite-backed store and ensures the schema exists.
func NewSQLite(path string, logger *zap.Logger) (*SQL, error) {
	return newSQL("sqlite3", path, logger)
}

func newSQL(driver, dsn string, logger *zap.Logger) (*SQL, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", driver, err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to %s store: %w", driver, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure %s schema: %w", driver, err)
	}
	return &SQL{db: db, logger: logger}, nil
}

// newSQLWithDB is used by tests to inject a mocked database handle.
func newSQLWithDB(db *sqlx.DB, logger *zap.Logger) *SQL {
	return &SQL{db: db, logger: logger}
}

func (s *SQL) Persist(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal research %s: %w", rec.ResearchID, err)
	}
	query := s.db.Rebind(`
		INSERT INTO research_state (research_id, record, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (research_id) DO UPDATE
		SET record = EXCLUDED.record, updated_at = EXCLUDED.updated_at`)
	if _, err := s.db.ExecContext(ctx, query, rec.ResearchID, string(data), time.Now().UTC()); err != nil {
		return fmt.Errorf("persist research %s: %w", rec.ResearchID, err)
	}
	return nil
}

func (s *SQL) Load(ctx context.Context, researchID string) (Record, bool, error) {
	var data string
	query := s.db.Rebind(`SELECT record FROM research_state WHERE research_id = ?`)
	err := s.db.GetContext(ctx, &data, query, researchID)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("load research %s: %w", researchID, err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return Record{}, false, fmt.Errorf("unmarshal research %s: %w", researchID, err)
	}
	return rec, true, nil
}

func (s *SQL) Delete(ctx context.Context, researchID string) error {
	query := s.db.Rebind(`DELETE FROM research_state WHERE research_id = ?`)
	if _, err := s.db.ExecContext(ctx, query, researchID); err != nil {
		return fmt.Errorf("delete research %s: %w", researchID, err)
	}
	return nil
}

func (s *SQL) Close() error { return s.db.Close() }
