// Package store persists feed credentials in SQLite.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// dateLayout is the token_date format used by the token store file.
const dateLayout = "2006-01-02"

// CredentialRow is one persisted set of feed credentials.
type CredentialRow struct {
	ClientCode  string
	AccessToken string
	IssuedDate  time.Time
	StoredAt    time.Time
}

// DB provides SQLite persistence for feed credentials.
type DB struct {
	db  *sql.DB
	key []byte
}

// OpenDB opens (or creates) the SQLite database at path and ensures tables exist.
func OpenDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set wal mode: %w", err)
	}

	ddl := `
CREATE TABLE IF NOT EXISTS feed_credentials (
    client_code  TEXT PRIMARY KEY,
    access_token TEXT NOT NULL,
    issued_date  TEXT NOT NULL,
    stored_at    TEXT NOT NULL
);`
	if _, err := db.Exec(ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return &DB{db: db}, nil
}

// SetEncryptionKey enables AES-GCM encryption of stored access tokens.
func (d *DB) SetEncryptionKey(key []byte) {
	d.key = key
}

// SaveCredential inserts or replaces the credentials for row.ClientCode.
func (d *DB) SaveCredential(row CredentialRow) error {
	token := row.AccessToken
	if d.key != nil {
		var err error
		if token, err = seal(d.key, token); err != nil {
			return fmt.Errorf("encrypt access token: %w", err)
		}
	}
	issued := ""
	if !row.IssuedDate.IsZero() {
		issued = row.IssuedDate.Format(dateLayout)
	}
	_, err := d.db.Exec(`INSERT OR REPLACE INTO feed_credentials
		(client_code, access_token, issued_date, stored_at) VALUES (?,?,?,?)`,
		row.ClientCode, token, issued, row.StoredAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

// LatestCredential returns the most recently stored credentials.
// ok is false when the table is empty.
func (d *DB) LatestCredential() (row CredentialRow, ok bool, err error) {
	var token, issued, stored string
	err = d.db.QueryRow(`SELECT client_code, access_token, issued_date, stored_at
		FROM feed_credentials ORDER BY stored_at DESC LIMIT 1`).
		Scan(&row.ClientCode, &token, &issued, &stored)
	if errors.Is(err, sql.ErrNoRows) {
		return CredentialRow{}, false, nil
	}
	if err != nil {
		return CredentialRow{}, false, fmt.Errorf("query credential: %w", err)
	}

	if row.AccessToken, err = open(d.key, token); err != nil {
		return CredentialRow{}, false, fmt.Errorf("client %s: %w", row.ClientCode, err)
	}
	if issued != "" {
		if row.IssuedDate, err = time.Parse(dateLayout, issued); err != nil {
			return CredentialRow{}, false, fmt.Errorf("parse issued_date: %w", err)
		}
	}
	row.StoredAt, _ = time.Parse(time.RFC3339, stored)
	return row, true, nil
}

// DeleteCredential removes the credentials for clientCode.
func (d *DB) DeleteCredential(clientCode string) error {
	if _, err := d.db.Exec(`DELETE FROM feed_credentials WHERE client_code = ?`, clientCode); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}
