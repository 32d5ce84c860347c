package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const DefaultPath = "config/config.yaml"

type DatabaseConfig struct {
	Driver   string `yaml:"driver" validate:"oneof=mysql sqlite3"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	// sqlite3 のときだけ使う
	Path string `yaml:"path"`
}

type Certs struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

type ServerConfig struct {
	Addr        string   `yaml:"addr" validate:"required"`
	Certificate Certs    `yaml:"certificate"`
	CORSOrigins []string `yaml:"cors_origins"`
}

type JWTConfig struct {
	Secret      string `yaml:"secret" validate:"required"`
	ExpireHours int    `yaml:"expire_hours" validate:"gt=0"`
}

type MailConfig struct {
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port"`
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	From          string        `yaml:"from"`
	Timeout       time.Duration `yaml:"timeout" validate:"gt=0"`
	RatePerSecond float64       `yaml:"rate_per_second" validate:"gte=0"`
}

type LoanConfig struct {
	PeriodDays          int `yaml:"period_days" validate:"gt=0"`
	ReservationHoldDays int `yaml:"reservation_hold_days" validate:"gt=0"`
}

type SweepConfig struct {
	Workers int `yaml:"workers" validate:"gt=0"`
}

type AIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSize    int    `yaml:"max_size"`
	MaxAge     int    `yaml:"max_age"`
	MaxBackups int    `yaml:"max_backups"`
}

type Config struct {
	Version string         `yaml:"version"`
	Mode    string         `yaml:"mode" validate:"oneof=dev release"`
	Server  ServerConfig   `yaml:"server"`
	DB      DatabaseConfig `yaml:"database"`
	JWT     JWTConfig      `yaml:"jwt"`
	Mail    MailConfig     `yaml:"mail"`
	Loan    LoanConfig     `yaml:"loan"`
	Sweep   SweepConfig    `yaml:"sweep"`
	AI      AIConfig       `yaml:"ai"`
	Log     LogConfig      `yaml:"log"`
}

// Load は YAML を読み込み、環境変数で上書きし、デフォルト値を補ってから検証する。
// ファイルが存在しない場合は環境変数とデフォルトだけで組み立てる。
func Load(path string) (*Config, error) {
	var cfg Config
	buf, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(buf, &cfg); err != nil {
			return nil, fmt.Errorf("設定ファイルのパース失敗: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("設定ファイルの読み込み失敗: %w", err)
	}

	cfg.overrideFromEnv()
	cfg.setDefaults()

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("設定値が不正です: %w", err)
	}
	return &cfg, nil
}

func (c *Config) overrideFromEnv() {
	if v := os.Getenv("LIBRARY_MODE"); v != "" {
		c.Mode = v
	}
	if v := os.Getenv("LIBRARY_DB_DRIVER"); v != "" {
		c.DB.Driver = v
	}
	if v := os.Getenv("LIBRARY_DB_HOST"); v != "" {
		c.DB.Host = v
	}
	if v := os.Getenv("LIBRARY_DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.DB.Port = port
		}
	}
	if v := os.Getenv("LIBRARY_DB_USER"); v != "" {
		c.DB.Username = v
	}
	if v := os.Getenv("LIBRARY_DB_PASSWORD"); v != "" {
		c.DB.Password = v
	}
	if v := os.Getenv("LIBRARY_DB_NAME"); v != "" {
		c.DB.DBName = v
	}
	if v := os.Getenv("LIBRARY_DB_PATH"); v != "" {
		c.DB.Path = v
	}
	if v := os.Getenv("LIBRARY_JWT_SECRET"); v != "" {
		c.JWT.Secret = v
	}
	if v := os.Getenv("LIBRARY_MAIL_PASSWORD"); v != "" {
		c.Mail.Password = v
	}
	if v := os.Getenv("LIBRARY_AI_API_KEY"); v != "" {
		c.AI.APIKey = v
	}
	if v := os.Getenv("LIBRARY_SERVER_ADDR"); v != "" {
		c.Server.Addr = v
	}
}

func (c *Config) setDefaults() {
	if c.Mode == "" {
		c.Mode = "dev"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.DB.Driver == "" {
		c.DB.Driver = "mysql"
	}
	if c.DB.Port == 0 {
		c.DB.Port = 3306
	}
	if c.DB.Driver == "sqlite3" && c.DB.Path == "" {
		c.DB.Path = "data/library.db"
	}
	if c.JWT.ExpireHours == 0 {
		c.JWT.ExpireHours = 24
	}
	if c.Mail.Port == 0 {
		c.Mail.Port = 587
	}
	if c.Mail.Timeout == 0 {
		c.Mail.Timeout = 10 * time.Second
	}
	if c.Loan.PeriodDays == 0 {
		c.Loan.PeriodDays = 30
	}
	if c.Loan.ReservationHoldDays == 0 {
		c.Loan.ReservationHoldDays = 3
	}
	if c.Sweep.Workers == 0 {
		c.Sweep.Workers = 4
	}
	if c.AI.BaseURL == "" {
		c.AI.BaseURL = "https://api.deepseek.com/v1"
	}
	if c.AI.Model == "" {
		c.AI.Model = "deepseek-chat"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// LoanPeriod は貸出期間（既定30日）
func (c *Config) LoanPeriod() time.Duration {
	return time.Duration(c.Loan.PeriodDays) * 24 * time.Hour
}

// ReservationHold は通知済み予約の取り置き期間（既定3日）
func (c *Config) ReservationHold() time.Duration {
	return time.Duration(c.Loan.ReservationHoldDays) * 24 * time.Hour
}
