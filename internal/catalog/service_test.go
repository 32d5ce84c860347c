package catalog

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"library-backend/internal/platform/db/dbtest"
	"library-backend/internal/platform/logger"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var testNow = time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, opts ...Option) (*Service, *sql.DB) {
	t.Helper()
	conn := dbtest.Open(t)
	opts = append([]Option{WithClock(fixedClock{testNow})}, opts...)
	return NewService(conn, logger.Discard(), opts...), conn
}

func createBook(t *testing.T, svc *Service, isbn string, copies int) *BookSummary {
	t.Helper()
	b, err := svc.CreateBook(context.Background(), CreateBookRequest{
		ISBN:   isbn,
		Title:  "  Go in Practice ",
		Author: "Butcher",
		Copies: copies,
	})
	require.NoError(t, err)
	return b
}

func TestCreateBookWithCopies(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	b := createBook(t, svc, "978-7-111-42039-5", 3)
	assert.Equal(t, "Go in Practice", b.Title)
	assert.Equal(t, 3, b.TotalCopies)
	assert.Equal(t, 3, b.AvailableCopies)
	assert.Equal(t, 0, b.BorrowedCopies)

	detail, err := svc.GetBook(ctx, b.BookID)
	require.NoError(t, err)
	require.Len(t, detail.Copies, 3)
	assert.Equal(t, CopyNumber(b.BookID, 1), detail.Copies[0].CopyNumber)
	assert.Equal(t, CopyNumber(b.BookID, 3), detail.Copies[2].CopyNumber)
	assert.Equal(t, "good", detail.Copies[0].Condition)
}

func TestCopyNumberFormat(t *testing.T) {
	assert.Equal(t, "0007-012", CopyNumber(7, 12))
}

func TestCreateBookRejectsBadInput(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateBook(ctx, CreateBookRequest{ISBN: "123", Title: "t", Author: "a"})
	assert.Equal(t, CodeInvalidArgument, err.(*APIError).Code)

	future := "2024-06-01"
	_, err = svc.CreateBook(ctx, CreateBookRequest{ISBN: "7111420395", Title: "t", Author: "a", PublishDate: &future})
	assert.Equal(t, CodeInvalidArgument, err.(*APIError).Code)

	missing := int64(99)
	_, err = svc.CreateBook(ctx, CreateBookRequest{ISBN: "7111420395", Title: "t", Author: "a", CategoryID: &missing})
	assert.Equal(t, CodeInvalidArgument, err.(*APIError).Code)

	createBook(t, svc, "7111420395", 0)
	_, err = svc.CreateBook(ctx, CreateBookRequest{ISBN: "7111420395", Title: "dup", Author: "a"})
	assert.Equal(t, CodeConflict, err.(*APIError).Code)
}

func TestDeleteCategoryKeepsBooks(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	cat, err := svc.CreateCategory(ctx, CreateCategoryRequest{Name: "Programming"})
	require.NoError(t, err)
	b, err := svc.CreateBook(ctx, CreateBookRequest{ISBN: "7111420395", Title: "t", Author: "a", CategoryID: &cat.CategoryID})
	require.NoError(t, err)
	require.NotNil(t, b.CategoryID)
	assert.Equal(t, "Programming", b.CategoryName)

	require.NoError(t, svc.DeleteCategory(ctx, cat.CategoryID))

	got, err := svc.BookSummary(ctx, b.BookID)
	require.NoError(t, err)
	assert.Nil(t, got.CategoryID)
	assert.Equal(t, "", got.CategoryName)

	err = svc.DeleteCategory(ctx, cat.CategoryID)
	assert.Equal(t, CodeNotFound, err.(*APIError).Code)
}

func TestDuplicateCategory(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.CreateCategory(ctx, CreateCategoryRequest{Name: "Novel"})
	require.NoError(t, err)
	_, err = svc.CreateCategory(ctx, CreateCategoryRequest{Name: " Novel "})
	assert.Equal(t, CodeConflict, err.(*APIError).Code)
}

func insertUser(t *testing.T, conn *sql.DB, name string) int64 {
	t.Helper()
	res, err := conn.Exec(`INSERT INTO users (username, email, password_hash, created_at) VALUES (?, ?, 'x', ?)`,
		name, name+"@example.com", testNow)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}

func TestDeleteCopyNullsBorrowRecordLink(t *testing.T) {
	svc, conn := newTestService(t)
	ctx := context.Background()
	b := createBook(t, svc, "7111420395", 1)
	detail, err := svc.GetBook(ctx, b.BookID)
	require.NoError(t, err)
	copyID := detail.Copies[0].CopyID

	uid := insertUser(t, conn, "alice")
	_, err = conn.Exec(`INSERT INTO borrow_records (record_ulid, user_id, book_id, book_copy_id, borrow_date, due_date, status, notes)
		VALUES ('01HZZZZZZZZZZZZZZZZZZZZZZZ', ?, ?, ?, ?, ?, 'returned', '')`, uid, b.BookID, copyID, testNow, testNow)
	require.NoError(t, err)

	require.NoError(t, svc.DeleteCopy(ctx, copyID))

	var link sql.NullInt64
	require.NoError(t, conn.QueryRow(`SELECT book_copy_id FROM borrow_records`).Scan(&link))
	assert.False(t, link.Valid)

	err = svc.DeleteCopy(ctx, copyID)
	assert.Equal(t, CodeNotFound, err.(*APIError).Code)
}

func TestDeleteBookRemovesDependents(t *testing.T) {
	svc, conn := newTestService(t)
	ctx := context.Background()
	b := createBook(t, svc, "7111420395", 2)
	uid := insertUser(t, conn, "bob")
	_, err := conn.Exec(`INSERT INTO reservations (reservation_ulid, user_id, book_id, created_at, status, notes)
		VALUES ('01HYYYYYYYYYYYYYYYYYYYYYYY', ?, ?, ?, 'waiting', '')`, uid, b.BookID, testNow)
	require.NoError(t, err)

	require.NoError(t, svc.DeleteBook(ctx, b.BookID))

	for _, table := range []string{"book_copies", "reservations", "books"} {
		var n int
		require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM `+table).Scan(&n))
		assert.Zero(t, n, table)
	}
	_, err = svc.GetBook(ctx, b.BookID)
	assert.Equal(t, CodeNotFound, err.(*APIError).Code)
}

func TestAddCopiesSkipsTakenNumbers(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	b := createBook(t, svc, "7111420395", 2)
	detail, err := svc.GetBook(ctx, b.BookID)
	require.NoError(t, err)
	require.NoError(t, svc.DeleteCopy(ctx, detail.Copies[0].CopyID))

	// 残り1冊（-002）なので次の候補 -002 は使用中、-003 になる
	added, err := svc.AddCopies(ctx, b.BookID, AddCopiesRequest{Count: 1})
	require.NoError(t, err)
	require.Len(t, added, 1)
	assert.Equal(t, CopyNumber(b.BookID, 3), added[0].CopyNumber)

	_, err = svc.AddCopies(ctx, b.BookID, AddCopiesRequest{Count: 1, CopyNumber: CopyNumber(b.BookID, 3)})
	assert.Equal(t, CodeConflict, err.(*APIError).Code)

	_, err = svc.AddCopies(ctx, b.BookID, AddCopiesRequest{Count: 2, CopyNumber: "X"})
	assert.Equal(t, CodeInvalidArgument, err.(*APIError).Code)

	_, err = svc.AddCopies(ctx, 404, AddCopiesRequest{Count: 1})
	assert.Equal(t, CodeNotFound, err.(*APIError).Code)
}

func TestAvailabilityHook(t *testing.T) {
	var calls []int64
	svc, _ := newTestService(t, WithAvailabilityHook(func(_ context.Context, bookID int64) {
		calls = append(calls, bookID)
	}))
	ctx := context.Background()
	b := createBook(t, svc, "7111420395", 1)
	detail, err := svc.GetBook(ctx, b.BookID)
	require.NoError(t, err)
	copyID := detail.Copies[0].CopyID

	maintenance := CopyMaintenance
	_, err = svc.UpdateCopy(ctx, copyID, UpdateCopyRequest{Status: &maintenance})
	require.NoError(t, err)
	assert.Empty(t, calls)

	available := CopyAvailable
	got, err := svc.UpdateCopy(ctx, copyID, UpdateCopyRequest{Status: &available})
	require.NoError(t, err)
	assert.Equal(t, CopyAvailable, got.Status)
	assert.Equal(t, []int64{b.BookID}, calls)

	_, err = svc.AddCopies(ctx, b.BookID, AddCopiesRequest{Count: 1})
	require.NoError(t, err)
	assert.Equal(t, []int64{b.BookID, b.BookID}, calls)

	bogus := CopyStatus("stolen")
	_, err = svc.UpdateCopy(ctx, copyID, UpdateCopyRequest{Status: &bogus})
	assert.Equal(t, CodeInvalidArgument, err.(*APIError).Code)
}

func TestListBooksFilters(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	a := createBook(t, svc, "7111420395", 3)
	_, err := svc.CreateBook(ctx, CreateBookRequest{ISBN: "9787020002204", Title: "Dream of the Red Chamber", Author: "Cao Xueqin"})
	require.NoError(t, err)

	items, total, err := svc.ListBooks(ctx, BookQuery{Keyword: "Red"}, Page{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	assert.Equal(t, "Cao Xueqin", items[0].Author)

	items, total, err = svc.ListBooks(ctx, BookQuery{AvailableOnly: true}, Page{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	assert.Equal(t, a.BookID, items[0].BookID)

	items, _, err = svc.ListBooks(ctx, BookQuery{OrderByCopies: true, ExcludeIDs: []int64{a.BookID}}, Page{Limit: 10})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.NotEqual(t, a.BookID, items[0].BookID)

	got, err := svc.BooksByIDs(ctx, []int64{a.BookID, 999})
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func strp(s string) *string { return &s }

func TestUpdateBook(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	cat, err := svc.CreateCategory(ctx, CreateCategoryRequest{Name: "Programming"})
	require.NoError(t, err)
	a := createBook(t, svc, "7111420395", 1)
	b, err := svc.CreateBook(ctx, CreateBookRequest{ISBN: "9787020002204", Title: "t", Author: "a"})
	require.NoError(t, err)

	got, err := svc.UpdateBook(ctx, a.BookID, UpdateBookRequest{
		ISBN:        strp("978-7-111-42039-5"),
		Title:       strp("  The Go Programming Language "),
		PublishDate: strp("2015-11-16"),
		CategoryID:  &cat.CategoryID,
	})
	require.NoError(t, err)
	assert.Equal(t, "9787111420395", got.ISBN)
	assert.Equal(t, "The Go Programming Language", got.Title)
	assert.Equal(t, "Butcher", got.Author)
	require.NotNil(t, got.PublishDate)
	assert.Equal(t, "2015-11-16", got.PublishDate.Format("2006-01-02"))
	assert.Equal(t, "Programming", got.CategoryName)
	assert.Equal(t, 1, got.TotalCopies)

	// 0 でカテゴリを外し、空文字で出版日を消す
	zero := int64(0)
	got, err = svc.UpdateBook(ctx, a.BookID, UpdateBookRequest{CategoryID: &zero, PublishDate: strp("")})
	require.NoError(t, err)
	assert.Nil(t, got.CategoryID)
	assert.Nil(t, got.PublishDate)

	_, err = svc.UpdateBook(ctx, b.BookID, UpdateBookRequest{ISBN: strp("9787111420395")})
	assert.Equal(t, CodeConflict, err.(*APIError).Code)

	_, err = svc.UpdateBook(ctx, b.BookID, UpdateBookRequest{ISBN: strp("12345")})
	assert.Equal(t, CodeInvalidArgument, err.(*APIError).Code)

	_, err = svc.UpdateBook(ctx, b.BookID, UpdateBookRequest{PublishDate: strp("2024-05-11")})
	assert.Equal(t, CodeInvalidArgument, err.(*APIError).Code)

	_, err = svc.UpdateBook(ctx, b.BookID, UpdateBookRequest{Title: strp("   ")})
	assert.Equal(t, CodeInvalidArgument, err.(*APIError).Code)

	missing := int64(99)
	_, err = svc.UpdateBook(ctx, b.BookID, UpdateBookRequest{CategoryID: &missing})
	assert.Equal(t, CodeInvalidArgument, err.(*APIError).Code)

	_, err = svc.UpdateBook(ctx, 404, UpdateBookRequest{Title: strp("x")})
	assert.Equal(t, CodeNotFound, err.(*APIError).Code)

	unchanged, err := svc.BookSummary(ctx, b.BookID)
	require.NoError(t, err)
	assert.Equal(t, "9787020002204", unchanged.ISBN)
	assert.Equal(t, "t", unchanged.Title)
}

func TestUpdateCategory(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	novel, err := svc.CreateCategory(ctx, CreateCategoryRequest{Name: "Novel", Description: "fiction"})
	require.NoError(t, err)
	_, err = svc.CreateCategory(ctx, CreateCategoryRequest{Name: "Essay"})
	require.NoError(t, err)

	got, err := svc.UpdateCategory(ctx, novel.CategoryID, UpdateCategoryRequest{Name: strp(" Novels ")})
	require.NoError(t, err)
	assert.Equal(t, "Novels", got.Name)
	assert.Equal(t, "fiction", got.Description)

	_, err = svc.UpdateCategory(ctx, novel.CategoryID, UpdateCategoryRequest{Name: strp("Essay")})
	assert.Equal(t, CodeConflict, err.(*APIError).Code)

	_, err = svc.UpdateCategory(ctx, novel.CategoryID, UpdateCategoryRequest{Name: strp("  ")})
	assert.Equal(t, CodeInvalidArgument, err.(*APIError).Code)

	_, err = svc.UpdateCategory(ctx, 99, UpdateCategoryRequest{Description: strp("x")})
	assert.Equal(t, CodeNotFound, err.(*APIError).Code)

	list, err := svc.ListCategories(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "Essay", list[0].Name)
	assert.Equal(t, "Novels", list[1].Name)
}
