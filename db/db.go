package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chatrelay/models"

	"github.com/mattn/go-sqlite3"
)

var (
	ErrNoRows        = errors.New("no rows found")
	ErrAccountExists = errors.New("account already exists")
)

// DB is the account store and message log. Every method is a single
// statement or a single transaction, so callers can treat it as atomic.
type DB struct {
	conn *sql.DB
}

func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			login TEXT UNIQUE NOT NULL,
			secret_fingerprint INTEGER NOT NULL,
			salt_fingerprint INTEGER NOT NULL,
			session_token INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			text TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}

	return db.migrate()
}

// migrate adds columns introduced after the first schema.
func (db *DB) migrate() error {
	if !db.columnExists("accounts", "secret_hash") {
		if _, err := db.conn.Exec("ALTER TABLE accounts ADD COLUMN secret_hash TEXT NOT NULL DEFAULT ''"); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) columnExists(table, column string) bool {
	query := "SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?"
	var count int
	err := db.conn.QueryRow(query, table, column).Scan(&count)
	if err != nil {
		return false
	}
	return count > 0
}

// LookupAccount returns the account stored under login. On a miss it
// returns an account with ID models.NoAccountID and ErrNoRows.
func (db *DB) LookupAccount(ctx context.Context, login string) (models.Account, error) {
	acct := models.Account{ID: models.NoAccountID}
	err := db.conn.QueryRowContext(ctx,
		"SELECT id, login, secret_fingerprint, secret_hash, salt_fingerprint, session_token FROM accounts WHERE login = ?",
		login,
	).Scan(&acct.ID, &acct.Login, &acct.SecretFingerprint, &acct.SecretHash, &acct.SaltFingerprint, &acct.SessionToken)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Account{ID: models.NoAccountID}, ErrNoRows
	}
	if err != nil {
		return models.Account{ID: models.NoAccountID}, fmt.Errorf("lookup account: %w", err)
	}
	return acct, nil
}

// InsertAccount stores acct and sets its ID. A duplicate login yields
// ErrAccountExists.
func (db *DB) InsertAccount(ctx context.Context, acct *models.Account) error {
	result, err := db.conn.ExecContext(ctx,
		"INSERT INTO accounts (login, secret_fingerprint, secret_hash, salt_fingerprint, session_token) VALUES (?, ?, ?, ?, ?)",
		acct.Login, acct.SecretFingerprint, acct.SecretHash, acct.SaltFingerprint, acct.SessionToken,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return ErrAccountExists
		}
		return fmt.Errorf("insert account: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	acct.ID = id
	return nil
}

// UpdateAccount rewrites the secret of an existing account.
func (db *DB) UpdateAccount(ctx context.Context, acct models.Account) error {
	result, err := db.conn.ExecContext(ctx,
		"UPDATE accounts SET secret_fingerprint = ?, secret_hash = ?, salt_fingerprint = ? WHERE id = ?",
		acct.SecretFingerprint, acct.SecretHash, acct.SaltFingerprint, acct.ID,
	)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	return requireAffected(result)
}

// DeleteAccount removes acct by id and login.
func (db *DB) DeleteAccount(ctx context.Context, acct models.Account) error {
	result, err := db.conn.ExecContext(ctx,
		"DELETE FROM accounts WHERE id = ? AND login = ?",
		acct.ID, acct.Login,
	)
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	return requireAffected(result)
}

func requireAffected(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrNoRows
	}
	return nil
}

// AppendMessage adds text to the log and evicts everything older than the
// newest models.HistorySize entries.
func (db *DB) AppendMessage(ctx context.Context, text string) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO messages (text, created_at) VALUES (?, ?)",
		text, time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("append message: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM messages WHERE id NOT IN (SELECT id FROM messages ORDER BY id DESC LIMIT ?)",
		models.HistorySize,
	); err != nil {
		return fmt.Errorf("evict messages: %w", err)
	}

	return tx.Commit()
}

// LatestMessages returns up to n of the newest log entries, oldest first.
func (db *DB) LatestMessages(ctx context.Context, n int) ([]models.LogEntry, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, text, created_at FROM (
			SELECT id, text, created_at FROM messages ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`,
		n,
	)
	if err != nil {
		return nil, fmt.Errorf("latest messages: %w", err)
	}
	defer rows.Close()

	var entries []models.LogEntry
	for rows.Next() {
		var e models.LogEntry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.Text, &createdAt); err != nil {
			return nil, err
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		entries = append(entries, e)
	}

	return entries, rows.Err()
}
