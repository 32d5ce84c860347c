package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"library-backend/internal/catalog"
	"library-backend/internal/circulation"
	"library-backend/internal/notify"
	"library-backend/internal/platform/auth"
	"library-backend/internal/platform/config"
	"library-backend/internal/platform/db"
	"library-backend/internal/platform/logger"
	"library-backend/internal/platform/mailer"
	"library-backend/internal/recommend"
	"library-backend/internal/reminder"
)

// app は各コマンドが共有する依存関係
type app struct {
	cfg  *config.Config
	log  *logrus.Logger
	conn *sql.DB

	notifier  notify.Notifier
	store     circulation.Store
	engine    *circulation.Engine
	catalog   *catalog.Service
	auth      *auth.Service
	sweeper   *reminder.Sweeper
	recommend *recommend.Service
}

func loadApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log := logger.New(cfg.Log)
	log.WithFields(logrus.Fields{"mode": cfg.Mode, "driver": cfg.DB.Driver}).Info("config loaded")

	conn, err := db.Connect(cfg.DB)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, log: log, conn: conn}, nil
}

// wire はサービスを組み立てる。先に migrate 済みであること
func (a *app) wire() error {
	n, err := mailer.New(a.cfg.Mail, a.log)
	if err != nil {
		return fmt.Errorf("mailer: %w", err)
	}
	a.notifier = n

	a.store = circulation.NewSQLStore(a.conn, a.cfg.DB.Driver)
	a.engine = circulation.NewEngine(a.store, n, a.log,
		circulation.WithLoanPeriod(a.cfg.LoanPeriod()),
		circulation.WithHoldPeriod(a.cfg.ReservationHold()),
		circulation.WithNotifyTimeout(a.cfg.Mail.Timeout),
	)

	// 冊子が available に戻ったら予約待ちの先頭に知らせる
	onAvailable := func(ctx context.Context, bookID int64) {
		if _, err := a.engine.NotifyNextWaiting(ctx, bookID); err != nil {
			a.log.WithError(err).WithField("book_id", bookID).Warn("notify next waiting failed")
		}
	}
	a.catalog = catalog.NewService(a.conn, a.log, catalog.WithAvailabilityHook(onAvailable))

	a.auth = auth.NewService(a.conn, n, []byte(a.cfg.JWT.Secret), a.log,
		auth.WithTokenTTL(time.Duration(a.cfg.JWT.ExpireHours)*time.Hour),
		auth.WithNotifyTimeout(a.cfg.Mail.Timeout),
		auth.WithAvailabilityHook(onAvailable),
	)

	a.sweeper = reminder.New(a.store, n, a.log,
		reminder.WithWorkers(a.cfg.Sweep.Workers),
		reminder.WithTimeout(a.cfg.Mail.Timeout),
		reminder.WithHoldPeriod(a.cfg.ReservationHold()),
	)

	completer := recommend.NewOpenAICompleter(a.cfg.AI)
	if completer == nil {
		a.log.Info("ai.api_key not set, recommendations are rule based")
	}
	a.recommend = recommend.NewService(a.catalog, a.engine, completer, a.log)
	return nil
}

func (a *app) migrate(ctx context.Context) error {
	if err := db.Migrate(ctx, a.conn, a.cfg.DB.Driver); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (a *app) Close() {
	if err := a.conn.Close(); err != nil {
		a.log.WithError(err).Warn("close db")
	}
}
