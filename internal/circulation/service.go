package circulation

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"library-backend/internal/notify"
	"library-backend/internal/platform/metrics"
)

// ===== インターフェース群 =====

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

type IDGen interface {
	New() (string, error)
}

// ulidGen は同一ミリ秒内でも単調増加する ULID を返す
type ulidGen struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func newULIDGen() *ulidGen {
	return &ulidGen{entropy: ulid.Monotonic(rand.Reader, 0)}
}

func (g *ulidGen) New() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now().UTC()), g.entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

const (
	DefaultLoanPeriod    = 30 * 24 * time.Hour
	DefaultHoldPeriod    = 3 * 24 * time.Hour
	DefaultNotifyTimeout = 10 * time.Second

	// CAS で負けたときに次のコピーを取り直す回数
	claimAttempts = 3
)

// ===== Engine本体 =====

// Engine は貸出・返却・予約のライフサイクルを扱う
type Engine struct {
	store         Store
	notifier      notify.Notifier
	clock         Clock
	ids           IDGen
	log           logrus.FieldLogger
	loanPeriod    time.Duration
	holdPeriod    time.Duration
	notifyTimeout time.Duration

	// 本ごとに NotifyNextWaiting を直列化する（単一ノード前提）
	notifyLocks *keyedMutex
}

type Option func(*Engine)

func WithClock(c Clock) Option { return func(e *Engine) { e.clock = c } }
func WithIDGen(g IDGen) Option { return func(e *Engine) { e.ids = g } }
func WithLoanPeriod(d time.Duration) Option { return func(e *Engine) { e.loanPeriod = d } }
func WithHoldPeriod(d time.Duration) Option { return func(e *Engine) { e.holdPeriod = d } }
func WithNotifyTimeout(d time.Duration) Option { return func(e *Engine) { e.notifyTimeout = d } }

func NewEngine(store Store, n notify.Notifier, log logrus.FieldLogger, opts ...Option) *Engine {
	e := &Engine{
		store:         store,
		notifier:      n,
		clock:         realClock{},
		ids:           newULIDGen(),
		log:           log,
		loanPeriod:    DefaultLoanPeriod,
		holdPeriod:    DefaultHoldPeriod,
		notifyTimeout: DefaultNotifyTimeout,
		notifyLocks:   newKeyedMutex(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) Now() time.Time { return e.clock.Now() }

// Borrow は利用可能なコピーを1冊確保して貸出記録を作る。
// 同じ本の自分の予約（waiting / notified）は fulfilled にする。
func (e *Engine) Borrow(ctx context.Context, userID, bookID int64) (*BorrowRecord, error) {
	key, err := e.ids.New()
	if err != nil {
		return nil, fmt.Errorf("generate ulid: %w", err)
	}
	now := e.clock.Now()

	var rec *BorrowRecord
	err = e.store.Update(ctx, func(ctx context.Context, q Queries) error {
		title, err := q.BookTitle(ctx, bookID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return notFound("book")
			}
			return err
		}

		if err := lockUser(ctx, q, userID); err != nil {
			return err
		}

		if _, err := q.ActiveBorrow(ctx, userID, bookID); err == nil {
			return ErrAlreadyBorrowed
		} else if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		copyID, err := e.claimCopy(ctx, q, bookID)
		if err != nil {
			return err
		}

		rec = &BorrowRecord{
			ULID:       key,
			UserID:     userID,
			BookID:     bookID,
			CopyID:     &copyID,
			BorrowDate: now,
			DueDate:    now.Add(e.loanPeriod),
			Status:     BorrowBorrowed,
			BookTitle:  title,
		}
		if err := q.InsertBorrow(ctx, rec); err != nil {
			return fmt.Errorf("insert borrow record: %w", err)
		}
		if _, err := q.FulfilReservations(ctx, userID, bookID); err != nil {
			return fmt.Errorf("fulfil reservations: %w", err)
		}
		return nil
	})
	observe("borrow", err)
	if err != nil {
		return nil, err
	}

	e.log.WithFields(logrus.Fields{"user_id": userID, "book_id": bookID, "record": rec.ULID}).Info("book borrowed")
	return rec, nil
}

// lockUser: 同じユーザーからの同時リクエストで貸出中・予約中チェックをすり抜けないようにする
func lockUser(ctx context.Context, q Queries, userID int64) error {
	if err := q.LockUser(ctx, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("user")
		}
		return fmt.Errorf("lock user: %w", err)
	}
	return nil
}

// claimCopy は先頭の available コピーを available→borrowed に CAS する。
// 同時実行で負けたら次の候補を取り直し、候補が尽きたら NoCopyAvailable
func (e *Engine) claimCopy(ctx context.Context, q Queries, bookID int64) (int64, error) {
	for i := 0; i < claimAttempts; i++ {
		copyID, err := q.FirstAvailableCopy(ctx, bookID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return 0, ErrNoCopyAvailable
			}
			return 0, err
		}
		ok, err := q.ClaimCopy(ctx, copyID)
		if err != nil {
			return 0, fmt.Errorf("claim copy: %w", err)
		}
		if ok {
			return copyID, nil
		}
	}
	return 0, ErrNoCopyAvailable
}

// Return は貸出記録を返却済みにしてコピーを戻す。
// コミット後、コピーが戻っていれば予約待ちの先頭へ通知する（通知の失敗で返却は失敗しない）
func (e *Engine) Return(ctx context.Context, userID int64, recordKey string) (*BorrowRecord, error) {
	now := e.clock.Now()

	var (
		rec      *BorrowRecord
		released bool
	)
	err := e.store.Update(ctx, func(ctx context.Context, q Queries) error {
		var err error
		rec, err = resolveBorrow(ctx, q, recordKey)
		if err != nil {
			return err
		}
		if rec.UserID != userID {
			return ErrNotAuthorized
		}
		if rec.Status != BorrowBorrowed {
			return notFound("active borrow record")
		}

		ok, err := q.MarkReturned(ctx, rec.ID, now)
		if err != nil {
			return fmt.Errorf("mark returned: %w", err)
		}
		if !ok {
			// 同時に返却された
			return notFound("active borrow record")
		}
		rec.Status = BorrowReturned
		rec.ReturnDate = &now

		if rec.CopyID != nil {
			released, err = q.ReleaseCopy(ctx, *rec.CopyID)
			if err != nil {
				return fmt.Errorf("release copy: %w", err)
			}
		}
		return nil
	})
	observe("return", err)
	if err != nil {
		return nil, err
	}

	log := e.log.WithFields(logrus.Fields{"user_id": userID, "book_id": rec.BookID, "record": rec.ULID})
	log.Info("book returned")
	if released {
		if _, err := e.NotifyNextWaiting(ctx, rec.BookID); err != nil {
			log.WithError(err).Warn("notify next waiting reservation failed")
		}
	}
	return rec, nil
}

// Reserve は貸出できるコピーが無いときだけ予約を作る
func (e *Engine) Reserve(ctx context.Context, userID, bookID int64) (*Reservation, error) {
	key, err := e.ids.New()
	if err != nil {
		return nil, fmt.Errorf("generate ulid: %w", err)
	}
	now := e.clock.Now()

	var res *Reservation
	err = e.store.Update(ctx, func(ctx context.Context, q Queries) error {
		title, err := q.BookTitle(ctx, bookID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return notFound("book")
			}
			return err
		}
		if err := lockUser(ctx, q, userID); err != nil {
			return err
		}
		if _, err := q.ActiveBorrow(ctx, userID, bookID); err == nil {
			return ErrAlreadyBorrowed
		} else if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		waiting, err := q.HasWaitingReservation(ctx, userID, bookID)
		if err != nil {
			return err
		}
		if waiting {
			return ErrAlreadyReserved
		}
		available, err := q.CountAvailableCopies(ctx, bookID)
		if err != nil {
			return err
		}
		if available > 0 {
			return ErrCopyAvailable
		}

		res = &Reservation{
			ULID:      key,
			UserID:    userID,
			BookID:    bookID,
			CreatedAt: now,
			Status:    ReservationWaiting,
			BookTitle: title,
		}
		if err := q.InsertReservation(ctx, res); err != nil {
			return fmt.Errorf("insert reservation: %w", err)
		}
		return fillQueuePosition(ctx, q, res)
	})
	observe("reserve", err)
	if err != nil {
		return nil, err
	}
	e.log.WithFields(logrus.Fields{"user_id": userID, "book_id": bookID, "queue_position": *res.QueuePosition}).Info("book reserved")
	return res, nil
}

// NotifyNextWaiting は本の予約待ちの先頭（created_at 最小、同時刻なら id 最小）に通知する。
// 配信に成功したときだけ notified にし、失敗なら waiting のまま次の返却時に再試行される。
// 同じ本への通知は1件ずつ処理するので、同時に2冊戻っても同じ予約へ二重に送らない。
func (e *Engine) NotifyNextWaiting(ctx context.Context, bookID int64) (bool, error) {
	unlock := e.notifyLocks.Lock(bookID)
	defer unlock()

	var (
		next *Reservation
		to   notify.Recipient
	)
	err := e.store.View(ctx, func(ctx context.Context, q Queries) error {
		var err error
		next, err = q.OldestWaiting(ctx, bookID)
		if err != nil {
			return err
		}
		to, err = q.Recipient(ctx, next.UserID)
		return err
	})
	if errors.Is(err, sql.ErrNoRows) && next == nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load next reservation: %w", err)
	}

	subject, body := reservationAvailableMessage(to.Username, next.BookTitle, next.CreatedAt, e.holdPeriod)
	log := e.log.WithFields(logrus.Fields{"book_id": bookID, "reservation": next.ULID, "user_id": next.UserID})
	if !notify.Deliver(ctx, e.notifier, e.notifyTimeout, to, subject, body) {
		metrics.Notifications.WithLabelValues("reservation_available", metrics.ResultFailed).Inc()
		log.Warn("reservation notification not delivered; stays waiting")
		return false, nil
	}
	metrics.Notifications.WithLabelValues("reservation_available", metrics.ResultSent).Inc()

	now := e.clock.Now()
	var moved bool
	err = e.store.Update(ctx, func(ctx context.Context, q Queries) error {
		var err error
		moved, err = q.TransitionReservation(ctx, next.ID, ReservationWaiting, ReservationNotified, &now)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("mark reservation notified: %w", err)
	}
	if !moved {
		// 通知中にキャンセル等で waiting でなくなった
		log.Info("reservation left waiting state during notification")
		return false, nil
	}
	log.Info("reservation notified")
	return true, nil
}

// CancelReservation は waiting の予約だけ取り消せる
func (e *Engine) CancelReservation(ctx context.Context, userID int64, reservationKey string) (*Reservation, error) {
	var res *Reservation
	err := e.store.Update(ctx, func(ctx context.Context, q Queries) error {
		var err error
		res, err = resolveReservation(ctx, q, reservationKey)
		if err != nil {
			return err
		}
		if res.UserID != userID {
			return ErrNotAuthorized
		}
		if res.Status != ReservationWaiting {
			return invalidState(fmt.Sprintf("reservation is %s, only waiting reservations can be cancelled", res.Status))
		}
		ok, err := q.TransitionReservation(ctx, res.ID, ReservationWaiting, ReservationCancelled, nil)
		if err != nil {
			return fmt.Errorf("cancel reservation: %w", err)
		}
		if !ok {
			return invalidState("reservation is no longer waiting")
		}
		res.Status = ReservationCancelled
		return nil
	})
	observe("cancel", err)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ===== 参照系 =====

// GetBorrow は本人の貸出記録だけ返す
func (e *Engine) GetBorrow(ctx context.Context, userID int64, recordKey string) (*BorrowRecord, error) {
	var rec *BorrowRecord
	err := e.store.View(ctx, func(ctx context.Context, q Queries) error {
		var err error
		rec, err = resolveBorrow(ctx, q, recordKey)
		return err
	})
	if err != nil {
		return nil, err
	}
	if rec.UserID != userID {
		return nil, ErrNotAuthorized
	}
	return rec, nil
}

// ListUserBorrows は貸出中と履歴。status が nil なら全件
func (e *Engine) ListUserBorrows(ctx context.Context, userID int64, status *BorrowStatus, limit, offset int) ([]BorrowRecord, int64, error) {
	return e.ListBorrows(ctx, BorrowFilter{UserID: &userID, Status: status, Limit: limit, Offset: offset})
}

func (e *Engine) ListBorrows(ctx context.Context, f BorrowFilter) ([]BorrowRecord, int64, error) {
	var (
		items []BorrowRecord
		total int64
	)
	err := e.store.View(ctx, func(ctx context.Context, q Queries) error {
		var err error
		items, total, err = q.ListBorrows(ctx, f)
		return err
	})
	return items, total, err
}

// ListUserReservations は waiting の予約に順番を付けて返す
func (e *Engine) ListUserReservations(ctx context.Context, userID int64, limit, offset int) ([]Reservation, int64, error) {
	return e.ListReservations(ctx, ReservationFilter{UserID: &userID, Limit: limit, Offset: offset})
}

func (e *Engine) ListReservations(ctx context.Context, f ReservationFilter) ([]Reservation, int64, error) {
	var (
		items []Reservation
		total int64
	)
	err := e.store.View(ctx, func(ctx context.Context, q Queries) error {
		var err error
		items, total, err = q.ListReservations(ctx, f)
		if err != nil {
			return err
		}
		for i := range items {
			if err := fillQueuePosition(ctx, q, &items[i]); err != nil {
				return err
			}
		}
		return nil
	})
	return items, total, err
}

func (e *Engine) GetReservation(ctx context.Context, userID int64, reservationKey string) (*Reservation, error) {
	var res *Reservation
	err := e.store.View(ctx, func(ctx context.Context, q Queries) error {
		var err error
		res, err = resolveReservation(ctx, q, reservationKey)
		if err != nil {
			return err
		}
		return fillQueuePosition(ctx, q, res)
	})
	if err != nil {
		return nil, err
	}
	if res.UserID != userID {
		return nil, ErrNotAuthorized
	}
	return res, nil
}

// QueueLength は本の予約待ち件数
func (e *Engine) QueueLength(ctx context.Context, bookID int64) (int, error) {
	var n int
	err := e.store.View(ctx, func(ctx context.Context, q Queries) error {
		var err error
		n, err = q.CountWaiting(ctx, bookID)
		return err
	})
	return n, err
}

// BorrowedBookIDs はこれまでに借りたことのある本（推薦用、読み取りのみ）
func (e *Engine) BorrowedBookIDs(ctx context.Context, userID int64) ([]int64, error) {
	var ids []int64
	err := e.store.View(ctx, func(ctx context.Context, q Queries) error {
		var err error
		ids, err = q.BorrowedBookIDs(ctx, userID)
		return err
	})
	return ids, err
}

// HeldBookIDs は今借りている本（チャットの文脈用）
func (e *Engine) HeldBookIDs(ctx context.Context, userID int64) ([]int64, error) {
	st := BorrowBorrowed
	recs, _, err := e.ListUserBorrows(ctx, userID, &st, 100, 0)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.BookID)
	}
	return ids, nil
}

// ===== helpers =====

func fillQueuePosition(ctx context.Context, q Queries, r *Reservation) error {
	r.QueuePosition = nil
	if r.Status != ReservationWaiting {
		return nil
	}
	n, err := q.CountWaitingBefore(ctx, r)
	if err != nil {
		return fmt.Errorf("queue position: %w", err)
	}
	pos := n + 1
	r.QueuePosition = &pos
	return nil
}

// resolveBorrow は数値 ID と ULID の両方を受け付ける
func resolveBorrow(ctx context.Context, q Queries, key string) (*BorrowRecord, error) {
	var (
		rec *BorrowRecord
		err error
	)
	if id, perr := strconv.ParseInt(key, 10, 64); perr == nil {
		rec, err = q.GetBorrow(ctx, id)
	} else {
		rec, err = q.GetBorrowByULID(ctx, key)
	}
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("borrow record")
		}
		return nil, err
	}
	return rec, nil
}

func resolveReservation(ctx context.Context, q Queries, key string) (*Reservation, error) {
	var (
		res *Reservation
		err error
	)
	if id, perr := strconv.ParseInt(key, 10, 64); perr == nil {
		res, err = q.GetReservation(ctx, id)
	} else {
		res, err = q.GetReservationByULID(ctx, key)
	}
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("reservation")
		}
		return nil, err
	}
	return res, nil
}

func observe(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = CodeInternal
		var de *DomainError
		if errors.As(err, &de) {
			outcome = de.Code
		}
	}
	metrics.LifecycleOps.WithLabelValues(op, outcome).Inc()
}
