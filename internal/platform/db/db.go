package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	mysql "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"

	"library-backend/internal/platform/config"
)

const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite3"
)

// Connect は設定のドライバに応じて接続を開き、疎通確認とプール設定まで行う。
func Connect(c config.DatabaseConfig) (*sql.DB, error) {
	var dsn string
	switch c.Driver {
	case DriverMySQL:
		dsn = fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&tls=false&timeout=3s&readTimeout=5s&writeTimeout=5s&loc=UTC",
			c.Username, c.Password, c.Host, c.Port, c.DBName)
	case DriverSQLite:
		dsn = SQLiteDSN(c.Path)
		if dir := filepath.Dir(c.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create db dir: %w", err)
			}
		}
	default:
		return nil, fmt.Errorf("unsupported driver %q", c.Driver)
	}

	db, err := sql.Open(c.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("接続準備に失敗: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("DB接続に失敗: %w", err)
	}

	if c.Driver == DriverSQLite {
		// SQLite は書き込みが直列化されるので接続を絞る
		db.SetMaxOpenConns(4)
		return db, nil
	}

	// 接続プール（合算がMySQLの max_connections を超えないよう配分する）
	db.SetMaxOpenConns(80)
	db.SetMaxIdleConns(20)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return db, nil
}

// SQLiteDSN: busy_timeout と外部キーを有効化し、BEGIN IMMEDIATE で書き込みロックを先取りする
func SQLiteDSN(path string) string {
	return fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=1&_txlock=immediate", path)
}

// IsDuplicateKey は UNIQUE 制約違反かどうかを判定する（MySQL 1062 / SQLite UNIQUE）
func IsDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number == 1062
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
