package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const schemaVersion = 1

// 外部キーは ON DELETE の自動処理を付けない。
// 弱参照（books.category_id / borrow_records.book_copy_id）の NULL 化と
// 強参照の削除はアプリケーション側（catalog.Store の削除処理）で明示的に行う。
var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS schema_meta (
		meta_key   VARCHAR(64) PRIMARY KEY,
		meta_value VARCHAR(255) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		user_id        BIGINT AUTO_INCREMENT PRIMARY KEY,
		username       VARCHAR(150) NOT NULL UNIQUE,
		email          VARCHAR(254) NOT NULL,
		password_hash  VARCHAR(255) NOT NULL,
		role           VARCHAR(10)  NOT NULL DEFAULT 'user',
		phone          VARCHAR(20)  NOT NULL DEFAULT '',
		email_verified TINYINT(1)   NOT NULL DEFAULT 0,
		is_active      TINYINT(1)   NOT NULL DEFAULT 0,
		created_at     DATETIME(6)  NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS email_verification_tokens (
		token_id   BIGINT AUTO_INCREMENT PRIMARY KEY,
		user_id    BIGINT NOT NULL,
		token      CHAR(36) NOT NULL UNIQUE,
		code       CHAR(6)  NOT NULL,
		created_at DATETIME(6) NOT NULL,
		is_used    TINYINT(1) NOT NULL DEFAULT 0,
		FOREIGN KEY (user_id) REFERENCES users(user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS categories (
		category_id BIGINT AUTO_INCREMENT PRIMARY KEY,
		name        VARCHAR(100) NOT NULL UNIQUE,
		description TEXT NOT NULL,
		created_at  DATETIME(6) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS books (
		book_id      BIGINT AUTO_INCREMENT PRIMARY KEY,
		isbn         VARCHAR(20)  NOT NULL UNIQUE,
		title        VARCHAR(200) NOT NULL,
		author       VARCHAR(200) NOT NULL,
		publisher    VARCHAR(200) NOT NULL DEFAULT '',
		publish_date DATE NULL,
		category_id  BIGINT NULL,
		description  TEXT NOT NULL,
		cover        VARCHAR(255) NULL,
		location     VARCHAR(100) NOT NULL DEFAULT '',
		created_at   DATETIME(6) NOT NULL,
		updated_at   DATETIME(6) NOT NULL,
		FOREIGN KEY (category_id) REFERENCES categories(category_id)
	)`,
	`CREATE TABLE IF NOT EXISTS book_copies (
		copy_id     BIGINT AUTO_INCREMENT PRIMARY KEY,
		book_id     BIGINT NOT NULL,
		copy_number VARCHAR(50) NOT NULL,
		status      VARCHAR(20) NOT NULL DEFAULT 'available',
		` + "`condition`" + ` VARCHAR(50) NOT NULL DEFAULT 'good',
		notes       TEXT NOT NULL,
		created_at  DATETIME(6) NOT NULL,
		UNIQUE KEY uq_book_copy (book_id, copy_number),
		KEY idx_copy_status (book_id, status, copy_number),
		FOREIGN KEY (book_id) REFERENCES books(book_id)
	)`,
	`CREATE TABLE IF NOT EXISTS borrow_records (
		record_id             BIGINT AUTO_INCREMENT PRIMARY KEY,
		record_ulid           CHAR(26) NOT NULL UNIQUE,
		user_id               BIGINT NOT NULL,
		book_id               BIGINT NOT NULL,
		book_copy_id          BIGINT NULL,
		borrow_date           DATETIME(6) NOT NULL,
		due_date              DATETIME(6) NOT NULL,
		return_date           DATETIME(6) NULL,
		status                VARCHAR(20) NOT NULL DEFAULT 'borrowed',
		notes                 TEXT NOT NULL,
		reminder_3days_sent   TINYINT(1) NOT NULL DEFAULT 0,
		reminder_1day_sent    TINYINT(1) NOT NULL DEFAULT 0,
		overdue_reminder_sent TINYINT(1) NOT NULL DEFAULT 0,
		KEY idx_borrow_user_book (user_id, book_id, status),
		KEY idx_borrow_due (status, due_date),
		FOREIGN KEY (user_id) REFERENCES users(user_id),
		FOREIGN KEY (book_id) REFERENCES books(book_id),
		FOREIGN KEY (book_copy_id) REFERENCES book_copies(copy_id)
	)`,
	`CREATE TABLE IF NOT EXISTS reservations (
		reservation_id   BIGINT AUTO_INCREMENT PRIMARY KEY,
		reservation_ulid CHAR(26) NOT NULL UNIQUE,
		user_id          BIGINT NOT NULL,
		book_id          BIGINT NOT NULL,
		created_at       DATETIME(6) NOT NULL,
		notified_at      DATETIME(6) NULL,
		status           VARCHAR(20) NOT NULL DEFAULT 'waiting',
		notes            TEXT NOT NULL,
		KEY idx_reservation_queue (book_id, status, created_at, reservation_id),
		FOREIGN KEY (user_id) REFERENCES users(user_id),
		FOREIGN KEY (book_id) REFERENCES books(book_id)
	)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS schema_meta (
		meta_key   TEXT PRIMARY KEY,
		meta_value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		user_id        INTEGER PRIMARY KEY AUTOINCREMENT,
		username       TEXT NOT NULL UNIQUE,
		email          TEXT NOT NULL,
		password_hash  TEXT NOT NULL,
		role           TEXT NOT NULL DEFAULT 'user',
		phone          TEXT NOT NULL DEFAULT '',
		email_verified INTEGER NOT NULL DEFAULT 0,
		is_active      INTEGER NOT NULL DEFAULT 0,
		created_at     DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS email_verification_tokens (
		token_id   INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id    INTEGER NOT NULL REFERENCES users(user_id),
		token      TEXT NOT NULL UNIQUE,
		code       TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		is_used    INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS categories (
		category_id INTEGER PRIMARY KEY AUTOINCREMENT,
		name        TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL,
		created_at  DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS books (
		book_id      INTEGER PRIMARY KEY AUTOINCREMENT,
		isbn         TEXT NOT NULL UNIQUE,
		title        TEXT NOT NULL,
		author       TEXT NOT NULL,
		publisher    TEXT NOT NULL DEFAULT '',
		publish_date DATE NULL,
		category_id  INTEGER NULL REFERENCES categories(category_id),
		description  TEXT NOT NULL,
		cover        TEXT NULL,
		location     TEXT NOT NULL DEFAULT '',
		created_at   DATETIME NOT NULL,
		updated_at   DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS book_copies (
		copy_id     INTEGER PRIMARY KEY AUTOINCREMENT,
		book_id     INTEGER NOT NULL REFERENCES books(book_id),
		copy_number TEXT NOT NULL,
		status      TEXT NOT NULL DEFAULT 'available',
		"condition" TEXT NOT NULL DEFAULT 'good',
		notes       TEXT NOT NULL,
		created_at  DATETIME NOT NULL,
		UNIQUE (book_id, copy_number)
	)`,
	`CREATE TABLE IF NOT EXISTS borrow_records (
		record_id             INTEGER PRIMARY KEY AUTOINCREMENT,
		record_ulid           TEXT NOT NULL UNIQUE,
		user_id               INTEGER NOT NULL REFERENCES users(user_id),
		book_id               INTEGER NOT NULL REFERENCES books(book_id),
		book_copy_id          INTEGER NULL REFERENCES book_copies(copy_id),
		borrow_date           DATETIME NOT NULL,
		due_date              DATETIME NOT NULL,
		return_date           DATETIME NULL,
		status                TEXT NOT NULL DEFAULT 'borrowed',
		notes                 TEXT NOT NULL,
		reminder_3days_sent   INTEGER NOT NULL DEFAULT 0,
		reminder_1day_sent    INTEGER NOT NULL DEFAULT 0,
		overdue_reminder_sent INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_borrow_user_book ON borrow_records(user_id, book_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_borrow_due ON borrow_records(status, due_date)`,
	`CREATE TABLE IF NOT EXISTS reservations (
		reservation_id   INTEGER PRIMARY KEY AUTOINCREMENT,
		reservation_ulid TEXT NOT NULL UNIQUE,
		user_id          INTEGER NOT NULL REFERENCES users(user_id),
		book_id          INTEGER NOT NULL REFERENCES books(book_id),
		created_at       DATETIME NOT NULL,
		notified_at      DATETIME NULL,
		status           TEXT NOT NULL DEFAULT 'waiting',
		notes            TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_reservation_queue ON reservations(book_id, status, created_at, reservation_id)`,
}

// Migrate はドライバに合ったスキーマを適用する。適用済みなら何もしない。
func Migrate(ctx context.Context, conn *sql.DB, driver string) error {
	var stmts []string
	switch driver {
	case DriverMySQL:
		stmts = mysqlSchema
	case DriverSQLite:
		if _, err := conn.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
			return fmt.Errorf("enable WAL: %w", err)
		}
		stmts = sqliteSchema
	default:
		return fmt.Errorf("unsupported driver %q", driver)
	}

	current, err := appliedVersion(ctx, conn, driver)
	if err != nil {
		return err
	}
	if current >= schemaVersion {
		return nil
	}

	// MySQL の DDL は暗黙コミットされるので Tx にはまとめない
	for _, stmt := range stmts {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}

	var upsert string
	if driver == DriverMySQL {
		upsert = `INSERT INTO schema_meta (meta_key, meta_value) VALUES ('schema_version', ?)
			ON DUPLICATE KEY UPDATE meta_value = VALUES(meta_value)`
	} else {
		upsert = `INSERT INTO schema_meta (meta_key, meta_value) VALUES ('schema_version', ?)
			ON CONFLICT(meta_key) DO UPDATE SET meta_value = excluded.meta_value`
	}
	if _, err := conn.ExecContext(ctx, upsert, fmt.Sprint(schemaVersion)); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return nil
}

// appliedVersion は適用済みのスキーマバージョン。schema_meta が無い・行が無いときは 0
func appliedVersion(ctx context.Context, conn *sql.DB, driver string) (int, error) {
	exists := `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_meta'`
	if driver == DriverMySQL {
		exists = `SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = DATABASE() AND table_name = 'schema_meta'`
	}
	var n int
	if err := conn.QueryRowContext(ctx, exists).Scan(&n); err != nil {
		return 0, fmt.Errorf("check schema_meta: %w", err)
	}
	if n == 0 {
		return 0, nil
	}

	var current int
	err := conn.QueryRowContext(ctx, `SELECT meta_value FROM schema_meta WHERE meta_key = 'schema_version'`).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return current, nil
}
