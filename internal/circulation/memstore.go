package circulation

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"library-backend/internal/notify"
)

// MemoryStore はテストと単体実行向けのインメモリ実装。
// Update は全体を1つのロックで直列化し、fn がエラーを返したら開始前の状態に戻す。
type MemoryStore struct {
	mu sync.RWMutex
	st *memState
}

type memCopy struct {
	ID     int64
	BookID int64
	Number string
	Status string
}

type memState struct {
	users        map[int64]notify.Recipient
	books        map[int64]string
	copies       map[int64]memCopy
	borrows      map[int64]BorrowRecord
	reservations map[int64]Reservation
	seq          int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{st: &memState{
		users:        map[int64]notify.Recipient{},
		books:        map[int64]string{},
		copies:       map[int64]memCopy{},
		borrows:      map[int64]BorrowRecord{},
		reservations: map[int64]Reservation{},
	}}
}

// 構造体は値で持っているので map を詰め替えるだけで独立したコピーになる
func (s *memState) clone() *memState {
	c := &memState{
		users:        make(map[int64]notify.Recipient, len(s.users)),
		books:        make(map[int64]string, len(s.books)),
		copies:       make(map[int64]memCopy, len(s.copies)),
		borrows:      make(map[int64]BorrowRecord, len(s.borrows)),
		reservations: make(map[int64]Reservation, len(s.reservations)),
		seq:          s.seq,
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.books {
		c.books[k] = v
	}
	for k, v := range s.copies {
		c.copies[k] = v
	}
	for k, v := range s.borrows {
		c.borrows[k] = v
	}
	for k, v := range s.reservations {
		c.reservations[k] = v
	}
	return c
}

func (s *memState) nextID() int64 {
	s.seq++
	return s.seq
}

func (m *MemoryStore) Update(ctx context.Context, fn func(ctx context.Context, q Queries) error) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.st.clone()
	defer func() {
		if p := recover(); p != nil {
			m.st = snap
			panic(p)
		}
	}()
	if err := fn(ctx, &memQueries{st: m.st}); err != nil {
		m.st = snap
		return err
	}
	return nil
}

func (m *MemoryStore) View(ctx context.Context, fn func(ctx context.Context, q Queries) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(ctx, &memQueries{st: m.st})
}

// ===== seeding / inspection =====

func (m *MemoryStore) AddUser(username, email string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.st.nextID()
	m.st.users[id] = notify.Recipient{UserID: id, Username: username, Email: email}
	return id
}

func (m *MemoryStore) AddBook(title string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.st.nextID()
	m.st.books[id] = title
	return id
}

func (m *MemoryStore) AddCopy(bookID int64, number string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.st.nextID()
	m.st.copies[id] = memCopy{ID: id, BookID: bookID, Number: number, Status: "available"}
	return id
}

func (m *MemoryStore) CopyStatus(copyID int64) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.copies[copyID].Status
}

func (m *MemoryStore) SetCopyStatus(copyID int64, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.st.copies[copyID]
	c.Status = status
	m.st.copies[copyID] = c
}

// DeleteCopy はコピーを消して貸出記録のリンクを外す
func (m *MemoryStore) DeleteCopy(copyID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.st.copies, copyID)
	for id, r := range m.st.borrows {
		if r.CopyID != nil && *r.CopyID == copyID {
			r.CopyID = nil
			m.st.borrows[id] = r
		}
	}
}

// PutBorrow は任意の状態の貸出記録を直接入れる（ID は振り直す）
func (m *MemoryStore) PutBorrow(r BorrowRecord) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.ID = m.st.nextID()
	if r.ULID == "" {
		r.ULID = fmt.Sprintf("MEM%023d", r.ID)
	}
	m.st.borrows[r.ID] = r
	return r.ID
}

func (m *MemoryStore) PutReservation(r Reservation) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.ID = m.st.nextID()
	if r.ULID == "" {
		r.ULID = fmt.Sprintf("MEM%023d", r.ID)
	}
	m.st.reservations[r.ID] = r
	return r.ID
}

func (m *MemoryStore) Borrow(id int64) BorrowRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.borrows[id]
}

func (m *MemoryStore) Reservation(id int64) Reservation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.reservations[id]
}

// ===== Queries =====

type memQueries struct{ st *memState }

func (q *memQueries) BookTitle(_ context.Context, bookID int64) (string, error) {
	t, ok := q.st.books[bookID]
	if !ok {
		return "", sql.ErrNoRows
	}
	return t, nil
}

func (q *memQueries) Recipient(_ context.Context, userID int64) (notify.Recipient, error) {
	u, ok := q.st.users[userID]
	if !ok {
		return notify.Recipient{}, sql.ErrNoRows
	}
	return u, nil
}

// Update 全体が排他なので存在確認だけ
func (q *memQueries) LockUser(_ context.Context, userID int64) error {
	if _, ok := q.st.users[userID]; !ok {
		return sql.ErrNoRows
	}
	return nil
}

func (q *memQueries) FirstAvailableCopy(_ context.Context, bookID int64) (int64, error) {
	var best *memCopy
	for _, c := range q.st.copies {
		c := c
		if c.BookID != bookID || c.Status != "available" {
			continue
		}
		if best == nil || c.Number < best.Number {
			best = &c
		}
	}
	if best == nil {
		return 0, sql.ErrNoRows
	}
	return best.ID, nil
}

func (q *memQueries) ClaimCopy(_ context.Context, copyID int64) (bool, error) {
	c, ok := q.st.copies[copyID]
	if !ok || c.Status != "available" {
		return false, nil
	}
	c.Status = "borrowed"
	q.st.copies[copyID] = c
	return true, nil
}

func (q *memQueries) ReleaseCopy(_ context.Context, copyID int64) (bool, error) {
	c, ok := q.st.copies[copyID]
	if !ok {
		return false, nil
	}
	c.Status = "available"
	q.st.copies[copyID] = c
	return true, nil
}

func (q *memQueries) CountAvailableCopies(_ context.Context, bookID int64) (int, error) {
	n := 0
	for _, c := range q.st.copies {
		if c.BookID == bookID && c.Status == "available" {
			n++
		}
	}
	return n, nil
}

func (q *memQueries) decorateBorrow(r BorrowRecord) BorrowRecord {
	r.BookTitle = q.st.books[r.BookID]
	r.CopyNumber = nil
	if r.CopyID != nil {
		if c, ok := q.st.copies[*r.CopyID]; ok {
			n := c.Number
			r.CopyNumber = &n
		}
	}
	return r
}

func (q *memQueries) InsertBorrow(_ context.Context, r *BorrowRecord) error {
	for _, o := range q.st.borrows {
		if o.ULID == r.ULID {
			return fmt.Errorf("duplicate record ulid %s", r.ULID)
		}
	}
	r.ID = q.st.nextID()
	q.st.borrows[r.ID] = *r
	return nil
}

func (q *memQueries) GetBorrow(_ context.Context, id int64) (*BorrowRecord, error) {
	r, ok := q.st.borrows[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	r = q.decorateBorrow(r)
	return &r, nil
}

func (q *memQueries) GetBorrowByULID(ctx context.Context, ulid string) (*BorrowRecord, error) {
	for id, r := range q.st.borrows {
		if r.ULID == ulid {
			return q.GetBorrow(ctx, id)
		}
	}
	return nil, sql.ErrNoRows
}

func (q *memQueries) ActiveBorrow(_ context.Context, userID, bookID int64) (*BorrowRecord, error) {
	var found *BorrowRecord
	for _, r := range q.st.borrows {
		r := r
		if r.UserID == userID && r.BookID == bookID && r.Status == BorrowBorrowed {
			if found == nil || r.ID < found.ID {
				found = &r
			}
		}
	}
	if found == nil {
		return nil, sql.ErrNoRows
	}
	out := q.decorateBorrow(*found)
	return &out, nil
}

func (q *memQueries) MarkReturned(_ context.Context, id int64, at time.Time) (bool, error) {
	r, ok := q.st.borrows[id]
	if !ok || r.Status != BorrowBorrowed {
		return false, nil
	}
	r.Status = BorrowReturned
	r.ReturnDate = &at
	q.st.borrows[id] = r
	return true, nil
}

func (q *memQueries) ListBorrows(_ context.Context, f BorrowFilter) ([]BorrowRecord, int64, error) {
	var all []BorrowRecord
	for _, r := range q.st.borrows {
		if f.UserID != nil && r.UserID != *f.UserID {
			continue
		}
		if f.BookID != nil && r.BookID != *f.BookID {
			continue
		}
		if f.Status != nil && r.Status != *f.Status {
			continue
		}
		all = append(all, q.decorateBorrow(r))
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].BorrowDate.Equal(all[j].BorrowDate) {
			return all[i].BorrowDate.After(all[j].BorrowDate)
		}
		return all[i].ID > all[j].ID
	})
	limit, offset := page(f.Limit, f.Offset)
	return window(all, limit, offset), int64(len(all)), nil
}

func (q *memQueries) BorrowedBookIDs(_ context.Context, userID int64) ([]int64, error) {
	seen := map[int64]bool{}
	ids := []int64{}
	for _, r := range q.st.borrows {
		if r.UserID == userID && !seen[r.BookID] {
			seen[r.BookID] = true
			ids = append(ids, r.BookID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (q *memQueries) DueForReminder(_ context.Context, kind ReminderKind, now time.Time) ([]BorrowRecord, error) {
	if kind.column() == "" {
		return nil, fmt.Errorf("unknown reminder kind %q", kind)
	}
	out := []BorrowRecord{}
	for _, r := range q.st.borrows {
		if kind.due(&r, now) && !kind.sent(&r) {
			out = append(out, q.decorateBorrow(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DueDate.Equal(out[j].DueDate) {
			return out[i].DueDate.Before(out[j].DueDate)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (q *memQueries) MarkReminderSent(_ context.Context, id int64, kind ReminderKind) (bool, error) {
	if kind.column() == "" {
		return false, fmt.Errorf("unknown reminder kind %q", kind)
	}
	r, ok := q.st.borrows[id]
	if !ok || kind.sent(&r) {
		return false, nil
	}
	kind.set(&r)
	q.st.borrows[id] = r
	return true, nil
}

func (q *memQueries) decorateReservation(r Reservation) Reservation {
	r.BookTitle = q.st.books[r.BookID]
	r.QueuePosition = nil
	return r
}

func (q *memQueries) InsertReservation(_ context.Context, r *Reservation) error {
	r.ID = q.st.nextID()
	q.st.reservations[r.ID] = *r
	return nil
}

func (q *memQueries) GetReservation(_ context.Context, id int64) (*Reservation, error) {
	r, ok := q.st.reservations[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	r = q.decorateReservation(r)
	return &r, nil
}

func (q *memQueries) GetReservationByULID(ctx context.Context, ulid string) (*Reservation, error) {
	for id, r := range q.st.reservations {
		if r.ULID == ulid {
			return q.GetReservation(ctx, id)
		}
	}
	return nil, sql.ErrNoRows
}

func (q *memQueries) HasWaitingReservation(_ context.Context, userID, bookID int64) (bool, error) {
	for _, r := range q.st.reservations {
		if r.UserID == userID && r.BookID == bookID && r.Status == ReservationWaiting {
			return true, nil
		}
	}
	return false, nil
}

// earlier: created_at が前、同時刻なら id が小さい方が先
func earlier(a, b *Reservation) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (q *memQueries) CountWaitingBefore(_ context.Context, r *Reservation) (int, error) {
	n := 0
	for _, o := range q.st.reservations {
		o := o
		if o.ID != r.ID && o.BookID == r.BookID && o.Status == ReservationWaiting && earlier(&o, r) {
			n++
		}
	}
	return n, nil
}

func (q *memQueries) CountWaiting(_ context.Context, bookID int64) (int, error) {
	n := 0
	for _, r := range q.st.reservations {
		if r.BookID == bookID && r.Status == ReservationWaiting {
			n++
		}
	}
	return n, nil
}

func (q *memQueries) OldestWaiting(_ context.Context, bookID int64) (*Reservation, error) {
	var best *Reservation
	for _, r := range q.st.reservations {
		r := r
		if r.BookID != bookID || r.Status != ReservationWaiting {
			continue
		}
		if best == nil || earlier(&r, best) {
			best = &r
		}
	}
	if best == nil {
		return nil, sql.ErrNoRows
	}
	out := q.decorateReservation(*best)
	return &out, nil
}

func (q *memQueries) TransitionReservation(_ context.Context, id int64, from, to ReservationStatus, notifiedAt *time.Time) (bool, error) {
	r, ok := q.st.reservations[id]
	if !ok || r.Status != from {
		return false, nil
	}
	r.Status = to
	if notifiedAt != nil {
		t := *notifiedAt
		r.NotifiedAt = &t
	}
	q.st.reservations[id] = r
	return true, nil
}

func (q *memQueries) FulfilReservations(_ context.Context, userID, bookID int64) (int64, error) {
	var n int64
	for id, r := range q.st.reservations {
		if r.UserID == userID && r.BookID == bookID &&
			(r.Status == ReservationWaiting || r.Status == ReservationNotified) {
			r.Status = ReservationFulfilled
			q.st.reservations[id] = r
			n++
		}
	}
	return n, nil
}

func (q *memQueries) ListReservations(_ context.Context, f ReservationFilter) ([]Reservation, int64, error) {
	var all []Reservation
	for _, r := range q.st.reservations {
		if f.UserID != nil && r.UserID != *f.UserID {
			continue
		}
		if f.BookID != nil && r.BookID != *f.BookID {
			continue
		}
		if f.Status != nil && r.Status != *f.Status {
			continue
		}
		all = append(all, q.decorateReservation(r))
	}
	sort.Slice(all, func(i, j int) bool { return earlier(&all[j], &all[i]) })
	limit, offset := page(f.Limit, f.Offset)
	return window(all, limit, offset), int64(len(all)), nil
}

func (q *memQueries) ExpirableReservations(_ context.Context, notifiedBefore time.Time) ([]Reservation, error) {
	out := []Reservation{}
	for _, r := range q.st.reservations {
		if r.Status == ReservationNotified && r.NotifiedAt != nil && r.NotifiedAt.Before(notifiedBefore) {
			out = append(out, q.decorateReservation(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NotifiedAt.Equal(*out[j].NotifiedAt) {
			return out[i].NotifiedAt.Before(*out[j].NotifiedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (q *memQueries) ExpireNotified(_ context.Context, notifiedBefore time.Time) (int64, error) {
	var n int64
	for id, r := range q.st.reservations {
		if r.Status == ReservationNotified && r.NotifiedAt != nil && r.NotifiedAt.Before(notifiedBefore) {
			r.Status = ReservationExpired
			q.st.reservations[id] = r
			n++
		}
	}
	return n, nil
}

func window[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}
