package circulation

import (
	"context"
	"time"

	"library-backend/internal/notify"
)

// Store はライフサイクルの永続化。Update は1つのトランザクション、View は読み取りだけ。
// 見つからない行は sql.ErrNoRows を返す。
type Store interface {
	Update(ctx context.Context, fn func(ctx context.Context, q Queries) error) error
	View(ctx context.Context, fn func(ctx context.Context, q Queries) error) error
}

// Queries はストアに対する個々の読み書き。Update の中では同じトランザクションで実行される
type Queries interface {
	BookTitle(ctx context.Context, bookID int64) (string, error)
	Recipient(ctx context.Context, userID int64) (notify.Recipient, error)
	// LockUser はユーザー行を更新用にロックし、同じユーザーの貸出・予約を直列化する
	LockUser(ctx context.Context, userID int64) error

	// copies
	// FirstAvailableCopy は copy_number 順で最初の available なコピーを返し、更新用にロックする
	FirstAvailableCopy(ctx context.Context, bookID int64) (int64, error)
	// ClaimCopy は available → borrowed の CAS。取れなければ false
	ClaimCopy(ctx context.Context, copyID int64) (bool, error)
	// ReleaseCopy はコピーを available に戻す。コピーが無ければ false
	ReleaseCopy(ctx context.Context, copyID int64) (bool, error)
	CountAvailableCopies(ctx context.Context, bookID int64) (int, error)

	// borrow records
	InsertBorrow(ctx context.Context, r *BorrowRecord) error
	GetBorrow(ctx context.Context, id int64) (*BorrowRecord, error)
	GetBorrowByULID(ctx context.Context, ulid string) (*BorrowRecord, error)
	ActiveBorrow(ctx context.Context, userID, bookID int64) (*BorrowRecord, error)
	// MarkReturned は borrowed → returned の CAS
	MarkReturned(ctx context.Context, id int64, at time.Time) (bool, error)
	ListBorrows(ctx context.Context, f BorrowFilter) ([]BorrowRecord, int64, error)
	BorrowedBookIDs(ctx context.Context, userID int64) ([]int64, error)
	DueForReminder(ctx context.Context, kind ReminderKind, now time.Time) ([]BorrowRecord, error)
	// MarkReminderSent はフラグが false のときだけ true にする
	MarkReminderSent(ctx context.Context, id int64, kind ReminderKind) (bool, error)

	// reservations
	InsertReservation(ctx context.Context, r *Reservation) error
	GetReservation(ctx context.Context, id int64) (*Reservation, error)
	GetReservationByULID(ctx context.Context, ulid string) (*Reservation, error)
	HasWaitingReservation(ctx context.Context, userID, bookID int64) (bool, error)
	// CountWaitingBefore は同じ本で r より前に作られた waiting の件数（created_at が同じなら id で比較）
	CountWaitingBefore(ctx context.Context, r *Reservation) (int, error)
	CountWaiting(ctx context.Context, bookID int64) (int, error)
	OldestWaiting(ctx context.Context, bookID int64) (*Reservation, error)
	// TransitionReservation は status が from のときだけ to に変える
	TransitionReservation(ctx context.Context, id int64, from, to ReservationStatus, notifiedAt *time.Time) (bool, error)
	FulfilReservations(ctx context.Context, userID, bookID int64) (int64, error)
	ListReservations(ctx context.Context, f ReservationFilter) ([]Reservation, int64, error)
	ExpirableReservations(ctx context.Context, notifiedBefore time.Time) ([]Reservation, error)
	ExpireNotified(ctx context.Context, notifiedBefore time.Time) (int64, error)
}
