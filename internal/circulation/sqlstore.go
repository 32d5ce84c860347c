package circulation

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"library-backend/internal/notify"
	"library-backend/internal/platform/db"
)

// SQLStore は MySQL / SQLite 共通の実装。
// MySQL は SELECT ... FOR UPDATE で行ロック、SQLite は BEGIN IMMEDIATE（DSN の _txlock）で書き込みを直列化する。
type SQLStore struct {
	db   *sql.DB
	lock string
}

func NewSQLStore(conn *sql.DB, driver string) *SQLStore {
	s := &SQLStore{db: conn}
	if driver == db.DriverMySQL {
		s.lock = " FOR UPDATE"
	}
	return s
}

func (s *SQLStore) Update(ctx context.Context, fn func(ctx context.Context, q Queries) error) error {
	return db.RunInTx(ctx, s.db, nil, func(ctx context.Context, tx db.DBTX) error {
		return fn(ctx, &sqlQueries{q: tx, lock: s.lock})
	})
}

// View は読み取り専用 Tx。件数と一覧は同じスナップショットから読む
func (s *SQLStore) View(ctx context.Context, fn func(ctx context.Context, q Queries) error) error {
	return db.ReadOnly(ctx, s.db, func(ctx context.Context, tx db.DBTX) error {
		return fn(ctx, &sqlQueries{q: tx})
	})
}

type sqlQueries struct {
	q    db.DBTX
	lock string
}

type scanner interface {
	Scan(dest ...any) error
}

// ===== books / users =====

func (s *sqlQueries) BookTitle(ctx context.Context, bookID int64) (string, error) {
	var title string
	err := s.q.QueryRowContext(ctx, `SELECT title FROM books WHERE book_id = ?`, bookID).Scan(&title)
	return title, err
}

func (s *sqlQueries) Recipient(ctx context.Context, userID int64) (notify.Recipient, error) {
	var r notify.Recipient
	err := s.q.QueryRowContext(ctx, `SELECT user_id, username, email FROM users WHERE user_id = ?`, userID).
		Scan(&r.UserID, &r.Username, &r.Email)
	return r, err
}

func (s *sqlQueries) LockUser(ctx context.Context, userID int64) error {
	var id int64
	return s.q.QueryRowContext(ctx, `SELECT user_id FROM users WHERE user_id = ?`+s.lock, userID).Scan(&id)
}

// ===== copies =====

func (s *sqlQueries) FirstAvailableCopy(ctx context.Context, bookID int64) (int64, error) {
	q := `SELECT copy_id FROM book_copies WHERE book_id = ? AND status = 'available' ORDER BY copy_number LIMIT 1` + s.lock
	var id int64
	err := s.q.QueryRowContext(ctx, q, bookID).Scan(&id)
	return id, err
}

func (s *sqlQueries) ClaimCopy(ctx context.Context, copyID int64) (bool, error) {
	res, err := s.q.ExecContext(ctx, `UPDATE book_copies SET status = 'borrowed' WHERE copy_id = ? AND status = 'available'`, copyID)
	return affectedOne(res, err)
}

func (s *sqlQueries) ReleaseCopy(ctx context.Context, copyID int64) (bool, error) {
	res, err := s.q.ExecContext(ctx, `UPDATE book_copies SET status = 'available' WHERE copy_id = ?`, copyID)
	ok, err := affectedOne(res, err)
	if err != nil || ok {
		return ok, err
	}
	// MySQL は既に available だと 0 件になるので存在で判定し直す
	var n int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM book_copies WHERE copy_id = ?`, copyID).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqlQueries) CountAvailableCopies(ctx context.Context, bookID int64) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM book_copies WHERE book_id = ? AND status = 'available'`, bookID).Scan(&n)
	return n, err
}

// ===== borrow records =====

const borrowSelect = `
	SELECT r.record_id, r.record_ulid, r.user_id, r.book_id, r.book_copy_id, r.borrow_date, r.due_date,
	       r.return_date, r.status, r.notes, r.reminder_3days_sent, r.reminder_1day_sent, r.overdue_reminder_sent,
	       b.title, c.copy_number
	FROM borrow_records r
	JOIN books b ON b.book_id = r.book_id
	LEFT JOIN book_copies c ON c.copy_id = r.book_copy_id`

func scanBorrow(sc scanner) (*BorrowRecord, error) {
	var (
		r          BorrowRecord
		copyID     sql.NullInt64
		returnDate sql.NullTime
		copyNumber sql.NullString
	)
	if err := sc.Scan(
		&r.ID, &r.ULID, &r.UserID, &r.BookID, &copyID, &r.BorrowDate, &r.DueDate,
		&returnDate, &r.Status, &r.Notes, &r.Reminder3DaysSent, &r.Reminder1DaySent, &r.OverdueReminderSent,
		&r.BookTitle, &copyNumber,
	); err != nil {
		return nil, err
	}
	if copyID.Valid {
		r.CopyID = &copyID.Int64
	}
	if returnDate.Valid {
		t := returnDate.Time.UTC()
		r.ReturnDate = &t
	}
	if copyNumber.Valid {
		r.CopyNumber = &copyNumber.String
	}
	r.BorrowDate = r.BorrowDate.UTC()
	r.DueDate = r.DueDate.UTC()
	return &r, nil
}

func (s *sqlQueries) queryBorrows(ctx context.Context, q string, args ...any) ([]BorrowRecord, error) {
	rows, err := s.q.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []BorrowRecord{}
	for rows.Next() {
		r, err := scanBorrow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *sqlQueries) InsertBorrow(ctx context.Context, r *BorrowRecord) error {
	const q = `
	INSERT INTO borrow_records
	(record_ulid, user_id, book_id, book_copy_id, borrow_date, due_date, status, notes)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	var copyID sql.NullInt64
	if r.CopyID != nil {
		copyID = sql.NullInt64{Int64: *r.CopyID, Valid: true}
	}
	res, err := s.q.ExecContext(ctx, q, r.ULID, r.UserID, r.BookID, copyID,
		r.BorrowDate.UTC(), r.DueDate.UTC(), string(r.Status), r.Notes)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	r.ID = id
	return nil
}

func (s *sqlQueries) GetBorrow(ctx context.Context, id int64) (*BorrowRecord, error) {
	return scanBorrow(s.q.QueryRowContext(ctx, borrowSelect+` WHERE r.record_id = ?`, id))
}

func (s *sqlQueries) GetBorrowByULID(ctx context.Context, ulid string) (*BorrowRecord, error) {
	return scanBorrow(s.q.QueryRowContext(ctx, borrowSelect+` WHERE r.record_ulid = ?`, ulid))
}

func (s *sqlQueries) ActiveBorrow(ctx context.Context, userID, bookID int64) (*BorrowRecord, error) {
	q := borrowSelect + ` WHERE r.user_id = ? AND r.book_id = ? AND r.status = 'borrowed' ORDER BY r.record_id LIMIT 1`
	return scanBorrow(s.q.QueryRowContext(ctx, q, userID, bookID))
}

func (s *sqlQueries) MarkReturned(ctx context.Context, id int64, at time.Time) (bool, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE borrow_records SET status = 'returned', return_date = ? WHERE record_id = ? AND status = 'borrowed'`,
		at.UTC(), id)
	return affectedOne(res, err)
}

func (s *sqlQueries) ListBorrows(ctx context.Context, f BorrowFilter) ([]BorrowRecord, int64, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != nil {
		where = append(where, "r.user_id = ?")
		args = append(args, *f.UserID)
	}
	if f.BookID != nil {
		where = append(where, "r.book_id = ?")
		args = append(args, *f.BookID)
	}
	if f.Status != nil {
		where = append(where, "r.status = ?")
		args = append(args, string(*f.Status))
	}
	cond := joinWhere(where)

	var total int64
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM borrow_records r`+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	limit, offset := page(f.Limit, f.Offset)
	q := borrowSelect + cond + ` ORDER BY r.borrow_date DESC, r.record_id DESC LIMIT ? OFFSET ?`
	items, err := s.queryBorrows(ctx, q, append(args, limit, offset)...)
	return items, total, err
}

func (s *sqlQueries) BorrowedBookIDs(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT DISTINCT book_id FROM borrow_records WHERE user_id = ? ORDER BY book_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *sqlQueries) DueForReminder(ctx context.Context, kind ReminderKind, now time.Time) ([]BorrowRecord, error) {
	col := kind.column()
	if col == "" {
		return nil, fmt.Errorf("unknown reminder kind %q", kind)
	}
	now = now.UTC()
	if kind == ReminderOverdue {
		q := borrowSelect + ` WHERE r.status = 'borrowed' AND r.due_date < ? AND r.` + col + ` = 0 ORDER BY r.due_date, r.record_id`
		return s.queryBorrows(ctx, q, now)
	}
	after, until := kind.Window(now)
	q := borrowSelect + ` WHERE r.status = 'borrowed' AND r.due_date > ? AND r.due_date <= ? AND r.` + col + ` = 0 ORDER BY r.due_date, r.record_id`
	return s.queryBorrows(ctx, q, after, until)
}

func (s *sqlQueries) MarkReminderSent(ctx context.Context, id int64, kind ReminderKind) (bool, error) {
	col := kind.column()
	if col == "" {
		return false, fmt.Errorf("unknown reminder kind %q", kind)
	}
	res, err := s.q.ExecContext(ctx, `UPDATE borrow_records SET `+col+` = 1 WHERE record_id = ? AND `+col+` = 0`, id)
	return affectedOne(res, err)
}

// ===== reservations =====

const reservationSelect = `
	SELECT v.reservation_id, v.reservation_ulid, v.user_id, v.book_id, v.created_at, v.notified_at,
	       v.status, v.notes, b.title
	FROM reservations v
	JOIN books b ON b.book_id = v.book_id`

func scanReservation(sc scanner) (*Reservation, error) {
	var (
		r          Reservation
		notifiedAt sql.NullTime
	)
	if err := sc.Scan(&r.ID, &r.ULID, &r.UserID, &r.BookID, &r.CreatedAt, &notifiedAt, &r.Status, &r.Notes, &r.BookTitle); err != nil {
		return nil, err
	}
	r.CreatedAt = r.CreatedAt.UTC()
	if notifiedAt.Valid {
		t := notifiedAt.Time.UTC()
		r.NotifiedAt = &t
	}
	return &r, nil
}

func (s *sqlQueries) queryReservations(ctx context.Context, q string, args ...any) ([]Reservation, error) {
	rows, err := s.q.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Reservation{}
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *sqlQueries) InsertReservation(ctx context.Context, r *Reservation) error {
	const q = `
	INSERT INTO reservations (reservation_ulid, user_id, book_id, created_at, status, notes)
	VALUES (?, ?, ?, ?, ?, ?)`
	res, err := s.q.ExecContext(ctx, q, r.ULID, r.UserID, r.BookID, r.CreatedAt.UTC(), string(r.Status), r.Notes)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	r.ID = id
	return nil
}

func (s *sqlQueries) GetReservation(ctx context.Context, id int64) (*Reservation, error) {
	return scanReservation(s.q.QueryRowContext(ctx, reservationSelect+` WHERE v.reservation_id = ?`, id))
}

func (s *sqlQueries) GetReservationByULID(ctx context.Context, ulid string) (*Reservation, error) {
	return scanReservation(s.q.QueryRowContext(ctx, reservationSelect+` WHERE v.reservation_ulid = ?`, ulid))
}

func (s *sqlQueries) HasWaitingReservation(ctx context.Context, userID, bookID int64) (bool, error) {
	var n int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM reservations WHERE user_id = ? AND book_id = ? AND status = 'waiting'`, userID, bookID).Scan(&n)
	return n > 0, err
}

func (s *sqlQueries) CountWaitingBefore(ctx context.Context, r *Reservation) (int, error) {
	const q = `
	SELECT COUNT(*) FROM reservations
	WHERE book_id = ? AND status = 'waiting' AND reservation_id <> ?
	  AND (created_at < ? OR (created_at = ? AND reservation_id < ?))`
	created := r.CreatedAt.UTC()
	var n int
	err := s.q.QueryRowContext(ctx, q, r.BookID, r.ID, created, created, r.ID).Scan(&n)
	return n, err
}

func (s *sqlQueries) CountWaiting(ctx context.Context, bookID int64) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM reservations WHERE book_id = ? AND status = 'waiting'`, bookID).Scan(&n)
	return n, err
}

func (s *sqlQueries) OldestWaiting(ctx context.Context, bookID int64) (*Reservation, error) {
	q := reservationSelect + ` WHERE v.book_id = ? AND v.status = 'waiting' ORDER BY v.created_at, v.reservation_id LIMIT 1`
	return scanReservation(s.q.QueryRowContext(ctx, q, bookID))
}

func (s *sqlQueries) TransitionReservation(ctx context.Context, id int64, from, to ReservationStatus, notifiedAt *time.Time) (bool, error) {
	var at sql.NullTime
	if notifiedAt != nil {
		at = sql.NullTime{Time: notifiedAt.UTC(), Valid: true}
	}
	res, err := s.q.ExecContext(ctx,
		`UPDATE reservations SET status = ?, notified_at = COALESCE(?, notified_at) WHERE reservation_id = ? AND status = ?`,
		string(to), at, id, string(from))
	return affectedOne(res, err)
}

func (s *sqlQueries) FulfilReservations(ctx context.Context, userID, bookID int64) (int64, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE reservations SET status = 'fulfilled' WHERE user_id = ? AND book_id = ? AND status IN ('waiting', 'notified')`,
		userID, bookID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqlQueries) ListReservations(ctx context.Context, f ReservationFilter) ([]Reservation, int64, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != nil {
		where = append(where, "v.user_id = ?")
		args = append(args, *f.UserID)
	}
	if f.BookID != nil {
		where = append(where, "v.book_id = ?")
		args = append(args, *f.BookID)
	}
	if f.Status != nil {
		where = append(where, "v.status = ?")
		args = append(args, string(*f.Status))
	}
	cond := joinWhere(where)

	var total int64
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM reservations v`+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	limit, offset := page(f.Limit, f.Offset)
	q := reservationSelect + cond + ` ORDER BY v.created_at DESC, v.reservation_id DESC LIMIT ? OFFSET ?`
	items, err := s.queryReservations(ctx, q, append(args, limit, offset)...)
	return items, total, err
}

func (s *sqlQueries) ExpirableReservations(ctx context.Context, notifiedBefore time.Time) ([]Reservation, error) {
	q := reservationSelect + ` WHERE v.status = 'notified' AND v.notified_at < ? ORDER BY v.notified_at, v.reservation_id`
	return s.queryReservations(ctx, q, notifiedBefore.UTC())
}

func (s *sqlQueries) ExpireNotified(ctx context.Context, notifiedBefore time.Time) (int64, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE reservations SET status = 'expired' WHERE status = 'notified' AND notified_at < ?`, notifiedBefore.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ===== helpers =====

func affectedOne(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func joinWhere(where []string) string {
	if len(where) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(where, " AND ")
}

func page(limit, offset int) (int, int) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
