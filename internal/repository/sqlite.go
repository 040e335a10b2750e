package repository

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/opensource-finance/merlin/internal/domain"
	_ "modernc.org/sqlite"
)

// NewSQLite opens the embedded SQLite store and applies the schema.
// The modernc driver keeps the Community tier free of CGO.
func NewSQLite(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	path := cfg.SQLitePath
	if path == "" {
		path = "./merlin.db"
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	// single writer, matches SQLite's locking model
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	repo := newSQLRepository(db, "sqlite")
	if err := repo.init(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}
