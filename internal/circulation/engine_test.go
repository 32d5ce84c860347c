package circulation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"library-backend/internal/notify"
	"library-backend/internal/platform/logger"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type sentMessage struct {
	To      notify.Recipient
	Subject string
	Body    string
}

// fakeNotifier は送信内容を記録し、ok の値を返す
type fakeNotifier struct {
	mu   sync.Mutex
	ok   bool
	sent []sentMessage
}

func (n *fakeNotifier) Notify(_ context.Context, to notify.Recipient, subject, body string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentMessage{To: to, Subject: subject, Body: body})
	return n.ok
}

func (n *fakeNotifier) setOK(ok bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ok = ok
}

func (n *fakeNotifier) calls() []sentMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sentMessage(nil), n.sent...)
}

type fixture struct {
	store    *MemoryStore
	clock    *fakeClock
	notifier *fakeNotifier
	eng      *Engine
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store:    NewMemoryStore(),
		clock:    &fakeClock{t: t0},
		notifier: &fakeNotifier{ok: true},
	}
	opts = append([]Option{WithClock(f.clock)}, opts...)
	f.eng = NewEngine(f.store, f.notifier, logger.Discard(), opts...)
	return f
}

func (f *fixture) available(t *testing.T, bookID int64) int {
	t.Helper()
	var n int
	require.NoError(t, f.store.View(context.Background(), func(ctx context.Context, q Queries) error {
		var err error
		n, err = q.CountAvailableCopies(ctx, bookID)
		return err
	}))
	return n
}

func key(id int64) string { return fmt.Sprint(id) }

func TestBorrowReserveReturnScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.store.AddUser("alice", "alice@example.com")
	bob := f.store.AddUser("bob", "bob@example.com")
	book := f.store.AddBook("X")
	copyID := f.store.AddCopy(book, "0001-001")

	rec, err := f.eng.Borrow(ctx, alice, book)
	require.NoError(t, err)
	assert.Equal(t, "borrowed", f.store.CopyStatus(copyID))
	assert.Equal(t, t0.Add(30*24*time.Hour), rec.DueDate)
	require.NotNil(t, rec.CopyID)
	assert.Equal(t, copyID, *rec.CopyID)
	assert.Len(t, rec.ULID, 26)

	_, err = f.eng.Borrow(ctx, bob, book)
	assert.ErrorIs(t, err, ErrNoCopyAvailable)

	res, err := f.eng.Reserve(ctx, bob, book)
	require.NoError(t, err)
	assert.Equal(t, ReservationWaiting, res.Status)
	require.NotNil(t, res.QueuePosition)
	assert.Equal(t, 1, *res.QueuePosition)

	f.clock.Advance(time.Hour)
	_, err = f.eng.Return(ctx, alice, rec.ULID)
	require.NoError(t, err)
	assert.Equal(t, "available", f.store.CopyStatus(copyID))

	calls := f.notifier.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "bob@example.com", calls[0].To.Email)
	assert.Contains(t, calls[0].Subject, "X")

	got := f.store.Reservation(res.ID)
	assert.Equal(t, ReservationNotified, got.Status)
	require.NotNil(t, got.NotifiedAt)
	assert.Equal(t, t0.Add(time.Hour), *got.NotifiedAt)
}

func TestConcurrentBorrowsClaimEachCopyOnce(t *testing.T) {
	f := newFixture(t)
	book := f.store.AddBook("Popular")
	const copies = 3
	for i := 1; i <= copies; i++ {
		f.store.AddCopy(book, fmt.Sprintf("0001-%03d", i))
	}
	users := make([]int64, copies+5)
	for i := range users {
		users[i] = f.store.AddUser(fmt.Sprintf("u%d", i), "")
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       int
		noCopy   int
		claimed  = map[int64]bool{}
		otherErr []error
	)
	for _, uid := range users {
		wg.Add(1)
		go func(uid int64) {
			defer wg.Done()
			rec, err := f.eng.Borrow(context.Background(), uid, book)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
				claimed[*rec.CopyID] = true
			case errors.Is(err, ErrNoCopyAvailable):
				noCopy++
			default:
				otherErr = append(otherErr, err)
			}
		}(uid)
	}
	wg.Wait()

	assert.Empty(t, otherErr)
	assert.Equal(t, copies, ok)
	assert.Equal(t, len(users)-copies, noCopy)
	assert.Len(t, claimed, copies)
	assert.Equal(t, 0, f.available(t, book))
}

func TestBorrowMovesCountsByOne(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.store.AddUser("u", "")
	book := f.store.AddBook("B")
	f.store.AddCopy(book, "0001-002")
	first := f.store.AddCopy(book, "0001-001")

	before := f.available(t, book)
	rec, err := f.eng.Borrow(ctx, u, book)
	require.NoError(t, err)
	assert.Equal(t, before-1, f.available(t, book))
	// copy_number 順で先頭のコピーが選ばれる
	assert.Equal(t, first, *rec.CopyID)

	borrowed := BorrowBorrowed
	items, total, err := f.eng.ListBorrows(ctx, BorrowFilter{BookID: &book, Status: &borrowed})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	require.NotNil(t, items[0].CopyNumber)
	assert.Equal(t, "0001-001", *items[0].CopyNumber)
}

func TestBorrowErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.store.AddUser("u", "")
	book := f.store.AddBook("B")
	f.store.AddCopy(book, "0001-001")
	f.store.AddCopy(book, "0001-002")

	_, err := f.eng.Borrow(ctx, u, 9999)
	assert.ErrorIs(t, err, ErrRecordNotFound)

	_, err = f.eng.Borrow(ctx, u, book)
	require.NoError(t, err)
	_, err = f.eng.Borrow(ctx, u, book)
	assert.ErrorIs(t, err, ErrAlreadyBorrowed)
	// 2回目は失敗したので残りの1冊は available のまま
	assert.Equal(t, 1, f.available(t, book))
}

func TestBorrowFulfilsOwnReservations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.store.AddUser("u", "")
	other := f.store.AddUser("o", "")
	book := f.store.AddBook("B")
	f.store.AddCopy(book, "0001-001")

	notified := t0.Add(-time.Hour)
	mine := f.store.PutReservation(Reservation{UserID: u, BookID: book, CreatedAt: t0.Add(-2 * time.Hour), NotifiedAt: &notified, Status: ReservationNotified})
	theirs := f.store.PutReservation(Reservation{UserID: other, BookID: book, CreatedAt: t0.Add(-3 * time.Hour), Status: ReservationWaiting})

	_, err := f.eng.Borrow(ctx, u, book)
	require.NoError(t, err)
	assert.Equal(t, ReservationFulfilled, f.store.Reservation(mine).Status)
	assert.Equal(t, ReservationWaiting, f.store.Reservation(theirs).Status)
}

func TestReturnErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.store.AddUser("u", "")
	other := f.store.AddUser("o", "")
	book := f.store.AddBook("B")
	f.store.AddCopy(book, "0001-001")
	rec, err := f.eng.Borrow(ctx, u, book)
	require.NoError(t, err)

	_, err = f.eng.Return(ctx, u, "01ARZ3NDEKTSV4RRFFQ69G5FAV")
	assert.ErrorIs(t, err, ErrRecordNotFound)

	_, err = f.eng.Return(ctx, other, rec.ULID)
	assert.ErrorIs(t, err, ErrNotAuthorized)

	got, err := f.eng.Return(ctx, u, key(rec.ID))
	require.NoError(t, err)
	assert.Equal(t, BorrowReturned, got.Status)
	require.NotNil(t, got.ReturnDate)
	assert.Equal(t, 0, got.DaysRemaining(t0))

	_, err = f.eng.Return(ctx, u, rec.ULID)
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestReturnNotifiesOnlyOldestWaiter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.store.AddUser("owner", "owner@example.com")
	book := f.store.AddBook("B")
	f.store.AddCopy(book, "0001-001")
	rec, err := f.eng.Borrow(ctx, owner, book)
	require.NoError(t, err)

	early := f.store.AddUser("early", "early@example.com")
	tieA := f.store.AddUser("tieA", "a@example.com")
	tieB := f.store.AddUser("tieB", "b@example.com")
	same := t0.Add(time.Minute)
	rTieA := f.store.PutReservation(Reservation{UserID: tieA, BookID: book, CreatedAt: same, Status: ReservationWaiting})
	rTieB := f.store.PutReservation(Reservation{UserID: tieB, BookID: book, CreatedAt: same, Status: ReservationWaiting})
	rEarly := f.store.PutReservation(Reservation{UserID: early, BookID: book, CreatedAt: t0, Status: ReservationWaiting})

	_, err = f.eng.Return(ctx, owner, rec.ULID)
	require.NoError(t, err)

	calls := f.notifier.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "early@example.com", calls[0].To.Email)
	assert.Equal(t, ReservationNotified, f.store.Reservation(rEarly).Status)
	assert.Equal(t, ReservationWaiting, f.store.Reservation(rTieA).Status)
	assert.Equal(t, ReservationWaiting, f.store.Reservation(rTieB).Status)

	// 同時刻なら id の小さい方が先
	notified, err := f.eng.NotifyNextWaiting(ctx, book)
	require.NoError(t, err)
	assert.True(t, notified)
	assert.Equal(t, ReservationNotified, f.store.Reservation(rTieA).Status)
	assert.Equal(t, ReservationWaiting, f.store.Reservation(rTieB).Status)
}

func TestConcurrentReturnsNotifyDistinctWaiters(t *testing.T) {
	f := newFixture(t)
	// 送信に時間がかかる間にもう一方の返却が先頭を読みに来る状況を作る
	f.eng.notifier = notify.NotifierFunc(func(ctx context.Context, to notify.Recipient, subject, body string) bool {
		time.Sleep(30 * time.Millisecond)
		return f.notifier.Notify(ctx, to, subject, body)
	})
	ctx := context.Background()
	a := f.store.AddUser("a", "a@example.com")
	b := f.store.AddUser("b", "b@example.com")
	w1 := f.store.AddUser("w1", "w1@example.com")
	w2 := f.store.AddUser("w2", "w2@example.com")
	book := f.store.AddBook("Twin")
	f.store.AddCopy(book, "0001-001")
	f.store.AddCopy(book, "0001-002")

	recA, err := f.eng.Borrow(ctx, a, book)
	require.NoError(t, err)
	recB, err := f.eng.Borrow(ctx, b, book)
	require.NoError(t, err)
	res1, err := f.eng.Reserve(ctx, w1, book)
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	res2, err := f.eng.Reserve(ctx, w2, book)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, r := range []struct {
		user int64
		key  string
	}{{a, recA.ULID}, {b, recB.ULID}} {
		wg.Add(1)
		go func(user int64, key string) {
			defer wg.Done()
			_, err := f.eng.Return(ctx, user, key)
			assert.NoError(t, err)
		}(r.user, r.key)
	}
	wg.Wait()

	var to []int64
	for _, c := range f.notifier.calls() {
		to = append(to, c.To.UserID)
	}
	assert.ElementsMatch(t, []int64{w1, w2}, to)
	assert.Equal(t, ReservationNotified, f.store.Reservation(res1.ID).Status)
	assert.Equal(t, ReservationNotified, f.store.Reservation(res2.ID).Status)
}

func TestBorrowByUnknownUser(t *testing.T) {
	f := newFixture(t)
	book := f.store.AddBook("B")
	copyID := f.store.AddCopy(book, "0001-001")

	_, err := f.eng.Borrow(context.Background(), 999, book)
	assert.ErrorIs(t, err, ErrRecordNotFound)
	_, err = f.eng.Reserve(context.Background(), 999, book)
	assert.ErrorIs(t, err, ErrRecordNotFound)
	assert.Equal(t, "available", f.store.CopyStatus(copyID))
}

func TestFailedNotificationStaysWaitingUntilNextReturn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.store.AddUser("a", "a@example.com")
	b := f.store.AddUser("b", "b@example.com")
	book := f.store.AddBook("B")
	f.store.AddCopy(book, "0001-001")

	rec, err := f.eng.Borrow(ctx, a, book)
	require.NoError(t, err)
	res, err := f.eng.Reserve(ctx, b, book)
	require.NoError(t, err)

	f.notifier.setOK(false)
	_, err = f.eng.Return(ctx, a, rec.ULID)
	require.NoError(t, err, "delivery failure must not fail the return")
	assert.Equal(t, ReservationWaiting, f.store.Reservation(res.ID).Status)
	assert.Nil(t, f.store.Reservation(res.ID).NotifiedAt)
	assert.Len(t, f.notifier.calls(), 1)

	// 次の返却で再試行される
	f.notifier.setOK(true)
	rec2, err := f.eng.Borrow(ctx, a, book)
	require.NoError(t, err)
	_, err = f.eng.Return(ctx, a, rec2.ULID)
	require.NoError(t, err)
	assert.Len(t, f.notifier.calls(), 2)
	assert.Equal(t, ReservationNotified, f.store.Reservation(res.ID).Status)
}

func TestSlowNotifierCountsAsFailure(t *testing.T) {
	f := newFixture(t, WithNotifyTimeout(20*time.Millisecond))
	release := make(chan struct{})
	defer close(release)
	f.eng.notifier = notify.NotifierFunc(func(ctx context.Context, _ notify.Recipient, _, _ string) bool {
		select {
		case <-release:
		case <-time.After(5 * time.Second):
		}
		return true
	})
	ctx := context.Background()
	u := f.store.AddUser("u", "u@example.com")
	book := f.store.AddBook("B")
	id := f.store.PutReservation(Reservation{UserID: u, BookID: book, CreatedAt: t0, Status: ReservationWaiting})

	start := time.Now()
	notified, err := f.eng.NotifyNextWaiting(ctx, book)
	require.NoError(t, err)
	assert.False(t, notified)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, ReservationWaiting, f.store.Reservation(id).Status)
}

func TestNotifyNextWaitingWithoutQueueIsNoop(t *testing.T) {
	f := newFixture(t)
	book := f.store.AddBook("B")
	notified, err := f.eng.NotifyNextWaiting(context.Background(), book)
	require.NoError(t, err)
	assert.False(t, notified)
	assert.Empty(t, f.notifier.calls())
}

func TestReturnAfterCopyDeletedSkipsNotification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.store.AddUser("a", "a@example.com")
	b := f.store.AddUser("b", "b@example.com")
	book := f.store.AddBook("B")
	copyID := f.store.AddCopy(book, "0001-001")
	rec, err := f.eng.Borrow(ctx, a, book)
	require.NoError(t, err)
	_, err = f.eng.Reserve(ctx, b, book)
	require.NoError(t, err)

	f.store.DeleteCopy(copyID)
	got, err := f.eng.Return(ctx, a, rec.ULID)
	require.NoError(t, err)
	assert.Nil(t, got.CopyID)
	assert.Empty(t, f.notifier.calls())
}

func TestReserveErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.store.AddUser("u", "")
	v := f.store.AddUser("v", "")
	book := f.store.AddBook("B")
	f.store.AddCopy(book, "0001-001")

	_, err := f.eng.Reserve(ctx, u, 4242)
	assert.ErrorIs(t, err, ErrRecordNotFound)

	_, err = f.eng.Reserve(ctx, u, book)
	assert.ErrorIs(t, err, ErrCopyAvailable)

	_, err = f.eng.Borrow(ctx, u, book)
	require.NoError(t, err)
	_, err = f.eng.Reserve(ctx, u, book)
	assert.ErrorIs(t, err, ErrAlreadyBorrowed)

	_, err = f.eng.Reserve(ctx, v, book)
	require.NoError(t, err)
	_, err = f.eng.Reserve(ctx, v, book)
	assert.ErrorIs(t, err, ErrAlreadyReserved)
}

func TestQueuePositionFollowsCreationOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	holder := f.store.AddUser("holder", "")
	book := f.store.AddBook("B")
	f.store.AddCopy(book, "0001-001")
	_, err := f.eng.Borrow(ctx, holder, book)
	require.NoError(t, err)

	var res []*Reservation
	var users []int64
	for i := 0; i < 3; i++ {
		u := f.store.AddUser(fmt.Sprintf("u%d", i), "")
		users = append(users, u)
		f.clock.Advance(time.Minute)
		r, err := f.eng.Reserve(ctx, u, book)
		require.NoError(t, err)
		assert.Equal(t, i+1, *r.QueuePosition)
		res = append(res, r)
	}

	n, err := f.eng.QueueLength(ctx, book)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = f.eng.CancelReservation(ctx, users[0], res[0].ULID)
	require.NoError(t, err)

	got, err := f.eng.GetReservation(ctx, users[2], res[2].ULID)
	require.NoError(t, err)
	assert.Equal(t, 2, *got.QueuePosition)

	mine, _, err := f.eng.ListUserReservations(ctx, users[0], 0, 0)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, ReservationCancelled, mine[0].Status)
	assert.Nil(t, mine[0].QueuePosition)
}

func TestCancelReservationErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.store.AddUser("u", "")
	other := f.store.AddUser("o", "")
	book := f.store.AddBook("B")
	now := t0
	notified := f.store.PutReservation(Reservation{UserID: u, BookID: book, CreatedAt: t0, NotifiedAt: &now, Status: ReservationNotified})
	waiting := f.store.PutReservation(Reservation{UserID: u, BookID: book, CreatedAt: t0, Status: ReservationWaiting})

	_, err := f.eng.CancelReservation(ctx, u, "999999")
	assert.ErrorIs(t, err, ErrRecordNotFound)

	_, err = f.eng.CancelReservation(ctx, other, key(waiting))
	assert.ErrorIs(t, err, ErrNotAuthorized)

	_, err = f.eng.CancelReservation(ctx, u, key(notified))
	assert.ErrorIs(t, err, ErrInvalidState)

	got, err := f.eng.CancelReservation(ctx, u, key(waiting))
	require.NoError(t, err)
	assert.Equal(t, ReservationCancelled, got.Status)

	_, err = f.eng.CancelReservation(ctx, u, key(waiting))
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestGetBorrowOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.store.AddUser("u", "")
	other := f.store.AddUser("o", "")
	book := f.store.AddBook("B")
	f.store.AddCopy(book, "0001-001")
	rec, err := f.eng.Borrow(ctx, u, book)
	require.NoError(t, err)

	got, err := f.eng.GetBorrow(ctx, u, rec.ULID)
	require.NoError(t, err)
	assert.Equal(t, "B", got.BookTitle)

	_, err = f.eng.GetBorrow(ctx, other, rec.ULID)
	assert.ErrorIs(t, err, ErrNotAuthorized)

	ids, err := f.eng.BorrowedBookIDs(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, []int64{book}, ids)

	held, err := f.eng.HeldBookIDs(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, []int64{book}, held)

	_, err = f.eng.Return(ctx, u, rec.ULID)
	require.NoError(t, err)
	held, err = f.eng.HeldBookIDs(ctx, u)
	require.NoError(t, err)
	assert.Empty(t, held)
}

func TestMemoryStoreRollsBackOnError(t *testing.T) {
	store := NewMemoryStore()
	book := store.AddBook("B")
	copyID := store.AddCopy(book, "0001-001")

	boom := errors.New("boom")
	err := store.Update(context.Background(), func(ctx context.Context, q Queries) error {
		ok, err := q.ClaimCopy(ctx, copyID)
		require.NoError(t, err)
		require.True(t, ok)
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "available", store.CopyStatus(copyID))
}
