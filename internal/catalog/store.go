package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"library-backend/internal/platform/db"
)

type Store struct{ db *sql.DB }

func NewStore(conn *sql.DB) *Store { return &Store{db: conn} }

// ===== categories =====

func (s *Store) InsertCategory(ctx context.Context, c *Category) error {
	const q = `INSERT INTO categories (name, description, created_at) VALUES (?, ?, ?)`
	res, err := s.db.ExecContext(ctx, q, c.Name, c.Description, c.CreatedAt)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	c.CategoryID = id
	return nil
}

func (s *Store) GetCategory(ctx context.Context, id int64) (*Category, error) {
	const q = `SELECT category_id, name, description, created_at FROM categories WHERE category_id = ?`
	var c Category
	if err := s.db.QueryRowContext(ctx, q, id).Scan(&c.CategoryID, &c.Name, &c.Description, &c.CreatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) ListCategories(ctx context.Context) ([]Category, error) {
	const q = `SELECT category_id, name, description, created_at FROM categories ORDER BY name`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Category{}
	for rows.Next() {
		var c Category
		if err := rows.Scan(&c.CategoryID, &c.Name, &c.Description, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) UpdateCategory(ctx context.Context, c *Category) error {
	const q = `UPDATE categories SET name = ?, description = ? WHERE category_id = ?`
	_, err := s.db.ExecContext(ctx, q, c.Name, c.Description, c.CategoryID)
	return err
}

// DeleteCategory はカテゴリを消す。所属していた本は消さずに category_id を NULL にする
func (s *Store) DeleteCategory(ctx context.Context, id int64) error {
	return db.RunInTx(ctx, s.db, nil, func(ctx context.Context, tx db.DBTX) error {
		if _, err := tx.ExecContext(ctx, `UPDATE books SET category_id = NULL WHERE category_id = ?`, id); err != nil {
			return fmt.Errorf("detach books: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM categories WHERE category_id = ?`, id)
		if err != nil {
			return err
		}
		if aff, _ := res.RowsAffected(); aff == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
}

// ===== books =====

const summarySelect = `
	SELECT b.book_id, b.isbn, b.title, b.author, b.publisher, b.publish_date, b.category_id,
	       COALESCE(c.name, ''), b.description, b.cover, b.location, b.created_at, b.updated_at,
	       (SELECT COUNT(*) FROM book_copies bc WHERE bc.book_id = b.book_id) AS total_copies,
	       (SELECT COUNT(*) FROM book_copies bc WHERE bc.book_id = b.book_id AND bc.status = 'available') AS available_copies,
	       (SELECT COUNT(*) FROM book_copies bc WHERE bc.book_id = b.book_id AND bc.status = 'borrowed') AS borrowed_copies
	FROM books b
	LEFT JOIN categories c ON c.category_id = b.category_id`

type scanner interface {
	Scan(dest ...any) error
}

func scanSummary(r scanner) (*BookSummary, error) {
	var (
		out         BookSummary
		publishDate sql.NullTime
		categoryID  sql.NullInt64
		cover       sql.NullString
	)
	if err := r.Scan(
		&out.BookID, &out.ISBN, &out.Title, &out.Author, &out.Publisher, &publishDate, &categoryID,
		&out.CategoryName, &out.Description, &cover, &out.Location, &out.CreatedAt, &out.UpdatedAt,
		&out.TotalCopies, &out.AvailableCopies, &out.BorrowedCopies,
	); err != nil {
		return nil, err
	}
	if publishDate.Valid {
		out.PublishDate = &publishDate.Time
	}
	if categoryID.Valid {
		out.CategoryID = &categoryID.Int64
	}
	if cover.Valid {
		out.Cover = &cover.String
	}
	return &out, nil
}

// InsertBook は本と初期冊数分のコピーを同じ Tx で登録する
func (s *Store) InsertBook(ctx context.Context, b *Book, copies int) error {
	return db.RunInTx(ctx, s.db, nil, func(ctx context.Context, tx db.DBTX) error {
		const q = `
		INSERT INTO books
		(isbn, title, author, publisher, publish_date, category_id, description, cover, location, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
		res, err := tx.ExecContext(ctx, q,
			b.ISBN, b.Title, b.Author, b.Publisher, nullTime(b.PublishDate), nullInt64(b.CategoryID),
			b.Description, nullString(b.Cover), b.Location, b.CreatedAt, b.UpdatedAt)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		b.BookID = id
		if copies > 0 {
			if _, err := insertCopies(ctx, tx, id, copies, "", "good", "", b.CreatedAt); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpdateBook は b の内容で行を丸ごと書き換える（マージは呼び出し側）
func (s *Store) UpdateBook(ctx context.Context, b *Book) error {
	const q = `
	UPDATE books SET isbn = ?, title = ?, author = ?, publisher = ?, publish_date = ?, category_id = ?,
	       description = ?, cover = ?, location = ?, updated_at = ?
	WHERE book_id = ?`
	_, err := s.db.ExecContext(ctx, q,
		b.ISBN, b.Title, b.Author, b.Publisher, nullTime(b.PublishDate), nullInt64(b.CategoryID),
		b.Description, nullString(b.Cover), b.Location, b.UpdatedAt, b.BookID)
	return err
}

func (s *Store) GetBookSummary(ctx context.Context, id int64) (*BookSummary, error) {
	return scanSummary(s.db.QueryRowContext(ctx, summarySelect+` WHERE b.book_id = ?`, id))
}

// ListBookSummaries は条件に合う本と総件数を返す
func (s *Store) ListBookSummaries(ctx context.Context, q BookQuery, p Page) ([]BookSummary, int64, error) {
	var (
		where []string
		args  []any
	)
	if kw := strings.TrimSpace(q.Keyword); kw != "" {
		like := "%" + kw + "%"
		where = append(where, "(b.title LIKE ? OR b.author LIKE ? OR b.isbn LIKE ?)")
		args = append(args, like, like, like)
	}
	if q.CategoryID != nil {
		where = append(where, "b.category_id = ?")
		args = append(args, *q.CategoryID)
	}
	if q.Author != nil {
		where = append(where, "b.author = ?")
		args = append(args, *q.Author)
	}
	if q.AvailableOnly {
		where = append(where, "EXISTS (SELECT 1 FROM book_copies bc WHERE bc.book_id = b.book_id AND bc.status = 'available')")
	}
	if len(q.ExcludeIDs) > 0 {
		where = append(where, "b.book_id NOT IN ("+placeholders(len(q.ExcludeIDs))+")")
		for _, id := range q.ExcludeIDs {
			args = append(args, id)
		}
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	order := " ORDER BY b.created_at DESC, b.book_id DESC"
	if q.OrderByCopies {
		order = " ORDER BY total_copies DESC, b.book_id"
	}
	limit, offset := normalizePage(p)

	var (
		total int64
		out   = []BookSummary{}
	)
	// 件数とページは同じスナップショットから読む
	err := db.ReadOnly(ctx, s.db, func(ctx context.Context, tx db.DBTX) error {
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM books b`+cond, args...).Scan(&total); err != nil {
			return err
		}
		rows, err := tx.QueryContext(ctx, summarySelect+cond+order+` LIMIT ? OFFSET ?`, append(args, limit, offset)...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			b, err := scanSummary(rows)
			if err != nil {
				return err
			}
			out = append(out, *b)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// GetBookSummaries は ID 指定でまとめて引く。存在しない ID は無視する
func (s *Store) GetBookSummaries(ctx context.Context, ids []int64) ([]BookSummary, error) {
	if len(ids) == 0 {
		return []BookSummary{}, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	q := summarySelect + ` WHERE b.book_id IN (` + placeholders(len(ids)) + `) ORDER BY b.book_id`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []BookSummary{}
	for rows.Next() {
		b, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// DeleteBook は本とそれに強参照でぶら下がる行（コピー・貸出記録・予約）をまとめて消す
func (s *Store) DeleteBook(ctx context.Context, id int64) error {
	return db.RunInTx(ctx, s.db, nil, func(ctx context.Context, tx db.DBTX) error {
		for _, q := range []string{
			`DELETE FROM reservations WHERE book_id = ?`,
			`DELETE FROM borrow_records WHERE book_id = ?`,
			`DELETE FROM book_copies WHERE book_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, id); err != nil {
				return fmt.Errorf("delete dependents: %w", err)
			}
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM books WHERE book_id = ?`, id)
		if err != nil {
			return err
		}
		if aff, _ := res.RowsAffected(); aff == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
}

// ===== copies =====

const copySelect = `SELECT copy_id, book_id, copy_number, status, ` + "`condition`" + `, notes, created_at FROM book_copies`

func scanCopy(r scanner) (*BookCopy, error) {
	var c BookCopy
	if err := r.Scan(&c.CopyID, &c.BookID, &c.CopyNumber, &c.Status, &c.Condition, &c.Notes, &c.CreatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) ListCopies(ctx context.Context, bookID int64) ([]BookCopy, error) {
	rows, err := s.db.QueryContext(ctx, copySelect+` WHERE book_id = ? ORDER BY copy_number`, bookID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []BookCopy{}
	for rows.Next() {
		c, err := scanCopy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *Store) GetCopy(ctx context.Context, id int64) (*BookCopy, error) {
	return scanCopy(s.db.QueryRowContext(ctx, copySelect+` WHERE copy_id = ?`, id))
}

// AddCopies は count 冊のコピーを追加する。copyNumber が空なら採番する
func (s *Store) AddCopies(ctx context.Context, bookID int64, count int, copyNumber, condition, notes string, now time.Time) ([]int64, error) {
	var ids []int64
	err := db.RunInTx(ctx, s.db, nil, func(ctx context.Context, tx db.DBTX) error {
		var err error
		ids, err = insertCopies(ctx, tx, bookID, count, copyNumber, condition, notes, now)
		return err
	})
	return ids, err
}

// CopyNumber は {book_id:04d}-{sequence:03d} 形式の番号
func CopyNumber(bookID int64, seq int) string {
	return fmt.Sprintf("%04d-%03d", bookID, seq)
}

func insertCopies(ctx context.Context, tx db.DBTX, bookID int64, count int, copyNumber, condition, notes string, now time.Time) ([]int64, error) {
	var existing int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM book_copies WHERE book_id = ?`, bookID).Scan(&existing); err != nil {
		return nil, err
	}

	q := `INSERT INTO book_copies (book_id, copy_number, status, ` + "`condition`" + `, notes, created_at) VALUES (?, ?, 'available', ?, ?, ?)`
	ids := make([]int64, 0, count)
	seq := existing
	for i := 0; i < count; i++ {
		number := copyNumber
		if number == "" {
			// 削除で欠番があると件数+1が既存と被るので空き番号まで進める
			for {
				seq++
				number = CopyNumber(bookID, seq)
				var n int
				if err := tx.QueryRowContext(ctx,
					`SELECT COUNT(*) FROM book_copies WHERE book_id = ? AND copy_number = ?`, bookID, number).Scan(&n); err != nil {
					return nil, err
				}
				if n == 0 {
					break
				}
			}
		}
		res, err := tx.ExecContext(ctx, q, bookID, number, condition, notes, now)
		if err != nil {
			return nil, err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Store) UpdateCopy(ctx context.Context, id int64, in UpdateCopyRequest) (*BookCopy, error) {
	sets := []string{}
	args := []any{}
	if in.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*in.Status))
	}
	if in.Condition != nil {
		sets = append(sets, "`condition` = ?")
		args = append(args, *in.Condition)
	}
	if in.Notes != nil {
		sets = append(sets, "notes = ?")
		args = append(args, *in.Notes)
	}
	if len(sets) == 0 {
		return s.GetCopy(ctx, id)
	}
	args = append(args, id)
	q := fmt.Sprintf(`UPDATE book_copies SET %s WHERE copy_id = ?`, strings.Join(sets, ", "))
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return nil, err
	}
	// MySQL は値が変わらないと RowsAffected=0 なので、存在確認は読み直しで行う
	return s.GetCopy(ctx, id)
}

// DeleteCopy はコピーを消し、それを指していた貸出記録の book_copy_id を NULL にする
func (s *Store) DeleteCopy(ctx context.Context, id int64) error {
	return db.RunInTx(ctx, s.db, nil, func(ctx context.Context, tx db.DBTX) error {
		if _, err := tx.ExecContext(ctx, `UPDATE borrow_records SET book_copy_id = NULL WHERE book_copy_id = ?`, id); err != nil {
			return fmt.Errorf("detach borrow records: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM book_copies WHERE copy_id = ?`, id)
		if err != nil {
			return err
		}
		if aff, _ := res.RowsAffected(); aff == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
}

// ===== helpers =====

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func normalizePage(p Page) (limit, offset int) {
	limit, offset = p.Limit, p.Offset
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
