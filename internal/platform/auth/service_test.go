package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"library-backend/internal/notify"
	"library-backend/internal/platform/db/dbtest"
	"library-backend/internal/platform/logger"
)

var testSecret = []byte("test-secret")

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type outbox struct {
	mu   sync.Mutex
	ok   bool
	msgs []string
}

func (o *outbox) Notify(_ context.Context, _ notify.Recipient, _, body string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.msgs = append(o.msgs, body)
	return o.ok
}

func (o *outbox) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.msgs)
}

func newTestService(t *testing.T) (*Service, *stepClock, *outbox) {
	t.Helper()
	clock := &stepClock{t: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	box := &outbox{ok: true}
	svc := NewService(dbtest.Open(t), box, testSecret, logger.Discard(), WithClock(clock))
	codes := []string{"111111", "222222", "333333", "444444"}
	svc.newCode = func() (string, error) {
		c := codes[0]
		codes = codes[1:]
		return c, nil
	}
	return svc, clock, box
}

func register(t *testing.T, svc *Service, name string) *Account {
	t.Helper()
	acct, sent, err := svc.Register(context.Background(), RegisterRequest{
		Username: name, Email: name + "@example.com", Password: "password123",
	})
	require.NoError(t, err)
	require.True(t, sent)
	return acct
}

func TestRegisterVerifyLogin(t *testing.T) {
	svc, _, box := newTestService(t)
	ctx := context.Background()

	acct, sent, err := svc.Register(ctx, RegisterRequest{Username: " alice ", Email: "alice@example.com", Password: "password123"})
	require.NoError(t, err)
	require.True(t, sent)
	assert.Equal(t, "alice", acct.Username)
	assert.False(t, acct.IsActive)
	assert.Equal(t, RoleUser, acct.Role)
	require.Equal(t, 1, box.count())
	assert.Contains(t, box.msgs[0], "111111")

	_, err = svc.Login(ctx, "alice", "password123")
	assert.ErrorIs(t, err, ErrInactive)

	_, err = svc.Verify(ctx, VerifyRequest{Username: "alice", Code: "000000"})
	assert.ErrorIs(t, err, ErrInvalidCode)

	got, err := svc.Verify(ctx, VerifyRequest{Username: "alice", Code: "111111"})
	require.NoError(t, err)
	assert.True(t, got.IsActive)
	assert.True(t, got.EmailVerified)

	token, err := svc.Login(ctx, "alice", "password123")
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	_, err = svc.Login(ctx, "alice", "wrong-password")
	assert.ErrorIs(t, err, ErrAuthFailed)
	_, err = svc.Login(ctx, "nobody", "password123")
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestRegisterRejectsBadInputAndDuplicates(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.Register(ctx, RegisterRequest{Username: "bob", Email: "not-an-email", Password: "password123"})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, _, err = svc.Register(ctx, RegisterRequest{Username: "bob", Email: "bob@example.com", Password: "short"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	register(t, svc, "bob")
	_, _, err = svc.Register(ctx, RegisterRequest{Username: "bob", Email: "other@example.com", Password: "password123"})
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestRegisterSucceedsWhenMailFails(t *testing.T) {
	svc, _, box := newTestService(t)
	box.ok = false
	acct, sent, err := svc.Register(context.Background(), RegisterRequest{
		Username: "carol", Email: "carol@example.com", Password: "password123",
	})
	require.NoError(t, err)
	assert.False(t, sent)
	assert.NotZero(t, acct.ID)
}

func TestResendReplacesOldCode(t *testing.T) {
	svc, _, box := newTestService(t)
	ctx := context.Background()
	register(t, svc, "dave")

	sent, err := svc.Resend(ctx, "dave@example.com")
	require.NoError(t, err)
	assert.True(t, sent)
	assert.Equal(t, 2, box.count())

	_, err = svc.Verify(ctx, VerifyRequest{Username: "dave", Code: "111111"})
	assert.ErrorIs(t, err, ErrInvalidCode, "previous unused code is deleted")

	_, err = svc.Verify(ctx, VerifyRequest{Username: "dave", Code: "222222"})
	require.NoError(t, err)

	_, err = svc.Resend(ctx, "dave@example.com")
	assert.ErrorIs(t, err, ErrNotFound, "active accounts cannot request codes")
}

func TestVerifyExpiresAfter24Hours(t *testing.T) {
	svc, clock, _ := newTestService(t)
	ctx := context.Background()
	register(t, svc, "erin")

	clock.Advance(CodeValidity + time.Minute)
	_, err := svc.Verify(ctx, VerifyRequest{Username: "erin", Code: "111111"})
	assert.ErrorIs(t, err, ErrCodeExpired)
}

func TestVerifyByToken(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	acct := register(t, svc, "frank")

	var token string
	require.NoError(t, svc.store.(*Store).db.QueryRow(
		`SELECT token FROM email_verification_tokens WHERE user_id = ?`, acct.ID).Scan(&token))

	got, err := svc.Verify(ctx, VerifyRequest{Token: token})
	require.NoError(t, err)
	assert.Equal(t, acct.ID, got.ID)

	_, err = svc.Verify(ctx, VerifyRequest{Token: token})
	assert.ErrorIs(t, err, ErrInvalidCode, "token is single use")
}

func TestSetRoleAndProfile(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	acct := register(t, svc, "gina")

	_, err := svc.SetRole(ctx, acct.ID, "superuser")
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = svc.SetRole(ctx, 9999, RoleAdmin)
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := svc.SetRole(ctx, acct.ID, RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, got.Role)

	phone := "090-0000-0000"
	got, err = svc.UpdateProfile(ctx, acct.ID, UpdateProfileRequest{Phone: &phone})
	require.NoError(t, err)
	assert.Equal(t, phone, got.Phone)

	bad := "nope"
	_, err = svc.UpdateProfile(ctx, acct.ID, UpdateProfileRequest{Email: &bad})
	assert.ErrorIs(t, err, ErrInvalidInput)

	require.NoError(t, svc.Delete(ctx, acct.ID))
	assert.ErrorIs(t, svc.Delete(ctx, acct.ID), ErrNotFound)
}

func TestDeleteReleasesBorrowedCopies(t *testing.T) {
	ctx := context.Background()
	conn := dbtest.Open(t)
	var released []int64
	svc := NewService(conn, &outbox{ok: true}, testSecret, logger.Discard(),
		WithAvailabilityHook(func(_ context.Context, bookID int64) { released = append(released, bookID) }))
	acct := register(t, svc, "leaver")

	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	res, err := conn.ExecContext(ctx, `INSERT INTO books (isbn, title, author, description, created_at, updated_at)
		VALUES ('9784000000001', 'Go', 'gopher', '', ?, ?)`, now, now)
	require.NoError(t, err)
	bookID, err := res.LastInsertId()
	require.NoError(t, err)
	res, err = conn.ExecContext(ctx, `INSERT INTO book_copies (book_id, copy_number, status, notes, created_at)
		VALUES (?, '1', 'borrowed', '', ?)`, bookID, now)
	require.NoError(t, err)
	copyID, err := res.LastInsertId()
	require.NoError(t, err)
	_, err = conn.ExecContext(ctx, `INSERT INTO borrow_records (record_ulid, user_id, book_id, book_copy_id, borrow_date, due_date, notes)
		VALUES ('01HX0000000000000000000000', ?, ?, ?, ?, ?, '')`, acct.ID, bookID, copyID, now, now.Add(14*24*time.Hour))
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, acct.ID))

	var status string
	require.NoError(t, conn.QueryRowContext(ctx, `SELECT status FROM book_copies WHERE copy_id = ?`, copyID).Scan(&status))
	assert.Equal(t, "available", status)
	assert.Equal(t, []int64{bookID}, released)

	var left int
	require.NoError(t, conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM borrow_records WHERE user_id = ?`, acct.ID).Scan(&left))
	assert.Zero(t, left)
}
