package circulation

import (
	"math"
	"time"
)

type BorrowStatus string

const (
	BorrowBorrowed BorrowStatus = "borrowed"
	BorrowReturned BorrowStatus = "returned"
	// 互換のために残している。延滞は IsOverdue で判定し、この値には遷移させない
	BorrowOverdue BorrowStatus = "overdue"
)

type ReservationStatus string

const (
	ReservationWaiting   ReservationStatus = "waiting"
	ReservationNotified  ReservationStatus = "notified"
	ReservationFulfilled ReservationStatus = "fulfilled"
	ReservationCancelled ReservationStatus = "cancelled"
	ReservationExpired   ReservationStatus = "expired"
)

// BorrowRecord は borrow_records の1行。CopyID は弱参照でコピー削除時に NULL になる
type BorrowRecord struct {
	ID                  int64        `json:"id"`
	ULID                string       `json:"ulid"`
	UserID              int64        `json:"user_id"`
	BookID              int64        `json:"book_id"`
	CopyID              *int64       `json:"copy_id,omitempty"`
	BorrowDate          time.Time    `json:"borrow_date"`
	DueDate             time.Time    `json:"due_date"`
	ReturnDate          *time.Time   `json:"return_date,omitempty"`
	Status              BorrowStatus `json:"status"`
	Notes               string       `json:"notes"`
	Reminder3DaysSent   bool         `json:"reminder_3days_sent"`
	Reminder1DaySent    bool         `json:"reminder_1day_sent"`
	OverdueReminderSent bool         `json:"overdue_reminder_sent"`

	// 読み出し時に JOIN で埋める
	BookTitle  string  `json:"book_title"`
	CopyNumber *string `json:"copy_number,omitempty"`
}

// IsOverdue: 未返却かつ期限を過ぎている
func (r *BorrowRecord) IsOverdue(now time.Time) bool {
	return r.Status != BorrowReturned && now.After(r.DueDate)
}

// DaysRemaining は期限までの日数。端数は負の無限大方向に丸めるので、期限を1秒でも過ぎれば -1
func (r *BorrowRecord) DaysRemaining(now time.Time) int {
	if r.Status == BorrowReturned {
		return 0
	}
	return floorDays(r.DueDate.Sub(now))
}

func floorDays(d time.Duration) int {
	return int(math.Floor(d.Hours() / 24))
}

// Reservation は reservations の1行
type Reservation struct {
	ID         int64             `json:"id"`
	ULID       string            `json:"ulid"`
	UserID     int64             `json:"user_id"`
	BookID     int64             `json:"book_id"`
	CreatedAt  time.Time         `json:"created_at"`
	NotifiedAt *time.Time        `json:"notified_at,omitempty"`
	Status     ReservationStatus `json:"status"`
	Notes      string            `json:"notes"`

	BookTitle string `json:"book_title"`
	// waiting のときだけ値を持つ。保存はしない
	QueuePosition *int `json:"queue_position"`
}

// BorrowFilter / ReservationFilter は一覧用の絞り込み条件
type BorrowFilter struct {
	UserID *int64
	BookID *int64
	Status *BorrowStatus
	Limit  int
	Offset int
}

type ReservationFilter struct {
	UserID *int64
	BookID *int64
	Status *ReservationStatus
	Limit  int
	Offset int
}

// ReminderKind は3種類のリマインダーとそれぞれのフラグ列
type ReminderKind string

const (
	Reminder3Days   ReminderKind = "due_3days"
	Reminder1Day    ReminderKind = "due_1day"
	ReminderOverdue ReminderKind = "overdue"
)

func (k ReminderKind) column() string {
	switch k {
	case Reminder3Days:
		return "reminder_3days_sent"
	case Reminder1Day:
		return "reminder_1day_sent"
	case ReminderOverdue:
		return "overdue_reminder_sent"
	}
	return ""
}

// Window は期限がこの範囲に入る貸出が対象。overdue は (-inf, now)
func (k ReminderKind) Window(now time.Time) (after, until time.Time) {
	switch k {
	case Reminder3Days:
		return now, now.Add(3 * 24 * time.Hour)
	case Reminder1Day:
		return now, now.Add(24 * time.Hour)
	}
	return time.Time{}, now
}

func (k ReminderKind) sent(r *BorrowRecord) bool {
	switch k {
	case Reminder3Days:
		return r.Reminder3DaysSent
	case Reminder1Day:
		return r.Reminder1DaySent
	case ReminderOverdue:
		return r.OverdueReminderSent
	}
	return true
}

func (k ReminderKind) set(r *BorrowRecord) {
	switch k {
	case Reminder3Days:
		r.Reminder3DaysSent = true
	case Reminder1Day:
		r.Reminder1DaySent = true
	case ReminderOverdue:
		r.OverdueReminderSent = true
	}
}

// due は期限がウィンドウに入っているか。3日・1日は (now, until]、overdue は due < now
func (k ReminderKind) due(r *BorrowRecord, now time.Time) bool {
	if r.Status != BorrowBorrowed {
		return false
	}
	if k == ReminderOverdue {
		return r.DueDate.Before(now)
	}
	after, until := k.Window(now)
	return r.DueDate.After(after) && !r.DueDate.After(until)
}
