// Package reminder は時間で動くバッチ。返却期限のリマインドと、取り置き期間切れ予約の失効
package reminder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"library-backend/internal/circulation"
	"library-backend/internal/notify"
	"library-backend/internal/platform/metrics"
)

const (
	DefaultWorkers = 4
	sweepExpire    = "expire"
)

// Kinds はリマインダーの実行順
var Kinds = []circulation.ReminderKind{
	circulation.Reminder3Days,
	circulation.Reminder1Day,
	circulation.ReminderOverdue,
}

// Result は各 sweep で状態を変えた件数
type Result struct {
	DueIn3Days int `json:"due_3days"`
	DueIn1Day  int `json:"due_1day"`
	Overdue    int `json:"overdue"`
	Expired    int `json:"expired"`
	// 配信失敗とフラグ更新失敗の合計（次回の実行で再試行される）
	Failed int `json:"failed"`
}

func (r *Result) add(kind circulation.ReminderKind, n int) {
	switch kind {
	case circulation.Reminder3Days:
		r.DueIn3Days += n
	case circulation.Reminder1Day:
		r.DueIn1Day += n
	case circulation.ReminderOverdue:
		r.Overdue += n
	}
}

type Sweeper struct {
	store    circulation.Store
	notifier notify.Notifier
	clock    circulation.Clock
	log      logrus.FieldLogger
	workers  int
	timeout  time.Duration
	hold     time.Duration
}

type Option func(*Sweeper)

func WithClock(c circulation.Clock) Option { return func(s *Sweeper) { s.clock = c } }
func WithWorkers(n int) Option { return func(s *Sweeper) { s.workers = n } }
func WithTimeout(d time.Duration) Option { return func(s *Sweeper) { s.timeout = d } }
func WithHoldPeriod(d time.Duration) Option {
	return func(s *Sweeper) { s.hold = d }
}

func New(store circulation.Store, n notify.Notifier, log logrus.FieldLogger, opts ...Option) *Sweeper {
	s := &Sweeper{
		store:    store,
		notifier: n,
		clock:    clockFunc(func() time.Time { return time.Now().UTC() }),
		log:      log,
		workers:  DefaultWorkers,
		timeout:  circulation.DefaultNotifyTimeout,
		hold:     circulation.DefaultHoldPeriod,
	}
	for _, o := range opts {
		o(s)
	}
	if s.workers <= 0 {
		s.workers = 1
	}
	return s
}

type clockFunc func() time.Time

func (f clockFunc) Now() time.Time { return f() }

// Run は 3日前 → 1日前 → 延滞 → 予約期限切れ の順に実行する。
// 1件ごとの失敗は Result.Failed に数えて続行し、一覧の取得自体に失敗した sweep だけをエラーとして返す
func (s *Sweeper) Run(ctx context.Context) (Result, error) {
	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	now := s.clock.Now()
	var (
		res  Result
		errs []error
	)
	for _, kind := range Kinds {
		sent, failed, err := s.remind(ctx, kind, now)
		res.add(kind, sent)
		res.Failed += failed
		if err != nil {
			errs = append(errs, fmt.Errorf("%s sweep: %w", kind, err))
		}
	}

	n, err := s.expire(ctx, now)
	res.Expired = n
	if err != nil {
		errs = append(errs, fmt.Errorf("expire sweep: %w", err))
	}

	s.log.WithFields(logrus.Fields{
		"due_3days": res.DueIn3Days,
		"due_1day":  res.DueIn1Day,
		"overdue":   res.Overdue,
		"expired":   res.Expired,
		"failed":    res.Failed,
	}).Info("sweep finished")
	return res, errors.Join(errs...)
}

type pending struct {
	record circulation.BorrowRecord
	to     notify.Recipient
}

func (s *Sweeper) collect(ctx context.Context, kind circulation.ReminderKind, now time.Time) ([]pending, error) {
	var out []pending
	err := s.store.View(ctx, func(ctx context.Context, q circulation.Queries) error {
		records, err := q.DueForReminder(ctx, kind, now)
		if err != nil {
			return err
		}
		users := map[int64]notify.Recipient{}
		for _, r := range records {
			to, ok := users[r.UserID]
			if !ok {
				if to, err = q.Recipient(ctx, r.UserID); err != nil {
					return fmt.Errorf("recipient %d: %w", r.UserID, err)
				}
				users[r.UserID] = to
			}
			out = append(out, pending{record: r, to: to})
		}
		return nil
	})
	return out, err
}

// remind は配信に成功したものだけフラグを立てる（フラグは CAS なので二重に数えない）
func (s *Sweeper) remind(ctx context.Context, kind circulation.ReminderKind, now time.Time) (sent, failed int, err error) {
	items, err := s.collect(ctx, kind, now)
	if err != nil {
		return 0, 0, err
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.workers)
	for _, p := range items {
		if ctx.Err() != nil {
			break
		}
		p := p
		g.Go(func() error {
			out := s.deliver(ctx, kind, p, now)
			mu.Lock()
			defer mu.Unlock()
			switch out {
			case outcomeSent:
				sent++
			case outcomeFailed:
				failed++
			}
			return nil
		})
	}
	_ = g.Wait()

	if sent > 0 {
		metrics.SweepTransitions.WithLabelValues(string(kind)).Add(float64(sent))
	}
	return sent, failed, ctx.Err()
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeFailed
	// 別の実行が先にフラグを立てた
	outcomeSkipped
)

func (s *Sweeper) deliver(ctx context.Context, kind circulation.ReminderKind, p pending, now time.Time) outcome {
	log := s.log.WithFields(logrus.Fields{"kind": kind, "record": p.record.ULID, "user_id": p.record.UserID})

	subject, body := message(kind, p.to.Username, &p.record, now)
	if !notify.Deliver(ctx, s.notifier, s.timeout, p.to, subject, body) {
		metrics.Notifications.WithLabelValues(string(kind), metrics.ResultFailed).Inc()
		log.Warn("reminder not delivered")
		return outcomeFailed
	}
	metrics.Notifications.WithLabelValues(string(kind), metrics.ResultSent).Inc()

	var marked bool
	err := s.store.Update(ctx, func(ctx context.Context, q circulation.Queries) error {
		var err error
		marked, err = q.MarkReminderSent(ctx, p.record.ID, kind)
		return err
	})
	if err != nil {
		log.WithError(err).Error("reminder delivered but flag update failed")
		return outcomeFailed
	}
	if !marked {
		log.Debug("reminder flag already set by another run")
		return outcomeSkipped
	}
	return outcomeSent
}

// expire は取り置き期間を過ぎた notified 予約を一括で expired にする（通知はしない）
func (s *Sweeper) expire(ctx context.Context, now time.Time) (int, error) {
	var n int64
	err := s.store.Update(ctx, func(ctx context.Context, q circulation.Queries) error {
		var err error
		n, err = q.ExpireNotified(ctx, now.Add(-s.hold))
		return err
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.SweepTransitions.WithLabelValues(sweepExpire).Add(float64(n))
	}
	return int(n), nil
}
