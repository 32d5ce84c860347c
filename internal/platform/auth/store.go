package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"library-backend/internal/platform/db"
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

type Account struct {
	ID            int64     `json:"id"`
	Username      string    `json:"username"`
	Email         string    `json:"email"`
	PasswordHash  string    `json:"-"`
	Role          string    `json:"role"`
	Phone         string    `json:"phone"`
	EmailVerified bool      `json:"email_verified"`
	IsActive      bool      `json:"is_active"`
	CreatedAt     time.Time `json:"created_at"`
}

// VerificationToken は登録確認用のコード。1ユーザーにつき未使用のものは常に1件だけ
type VerificationToken struct {
	ID        int64
	UserID    int64
	Token     string
	Code      string
	CreatedAt time.Time
	IsUsed    bool
}

type ProfileUpdate struct {
	Username *string
	Email    *string
	Phone    *string
}

type AccountStore interface {
	GetByID(ctx context.Context, id int64) (*Account, error)
	GetByUsername(ctx context.Context, username string) (*Account, error)
	GetInactiveByEmail(ctx context.Context, email string) (*Account, error)
	Create(ctx context.Context, a *Account) error
	// Delete は削除件数と、貸出中だったため available に戻したコピーの本 ID を返す
	Delete(ctx context.Context, id int64) (int64, []int64, error)
	UpdateProfile(ctx context.Context, id int64, p ProfileUpdate) (int64, error)
	SetRole(ctx context.Context, id int64, role string) (int64, error)

	ReplaceToken(ctx context.Context, t *VerificationToken) error
	FindUnusedCode(ctx context.Context, userID int64, code string) (*VerificationToken, error)
	FindUnusedToken(ctx context.Context, token string) (*VerificationToken, error)
	// Activate はトークンを使用済みにしてユーザーを有効化する（1トランザクション）
	Activate(ctx context.Context, tokenID, userID int64) error
}

type Store struct{ db *sql.DB }

func NewStore(conn *sql.DB) AccountStore {
	return &Store{db: conn}
}

const accountSelect = `
SELECT user_id, username, email, password_hash, role, phone, email_verified, is_active, created_at
FROM users`

func scanAccount(row *sql.Row) (*Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.Username, &a.Email, &a.PasswordHash, &a.Role, &a.Phone,
		&a.EmailVerified, &a.IsActive, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.CreatedAt = a.CreatedAt.UTC()
	return &a, nil
}

func (s *Store) GetByID(ctx context.Context, id int64) (*Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx, accountSelect+` WHERE user_id = ? LIMIT 1`, id))
}

func (s *Store) GetByUsername(ctx context.Context, username string) (*Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx, accountSelect+` WHERE username = ? LIMIT 1`, username))
}

func (s *Store) GetInactiveByEmail(ctx context.Context, email string) (*Account, error) {
	q := accountSelect + ` WHERE email = ? AND is_active = 0 ORDER BY user_id DESC LIMIT 1`
	return scanAccount(s.db.QueryRowContext(ctx, q, email))
}

func (s *Store) Create(ctx context.Context, a *Account) error {
	const q = `
INSERT INTO users (username, email, password_hash, role, phone, email_verified, is_active, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, q, a.Username, a.Email, a.PasswordHash, a.Role, a.Phone,
		a.EmailVerified, a.IsActive, a.CreatedAt.UTC())
	if err != nil {
		if db.IsDuplicateKey(err) {
			return ErrAlreadyExists
		}
		return err
	}
	a.ID, err = res.LastInsertId()
	return err
}

// Delete はユーザーに紐づく予約・貸出記録・確認コードもまとめて消す。
// 貸出中のコピーは記録と一緒に available へ戻す
func (s *Store) Delete(ctx context.Context, id int64) (int64, []int64, error) {
	var (
		n     int64
		books []int64
	)
	err := db.RunInTx(ctx, s.db, nil, func(ctx context.Context, tx db.DBTX) error {
		rows, err := tx.QueryContext(ctx, `
SELECT DISTINCT c.book_id FROM borrow_records r
JOIN book_copies c ON c.copy_id = r.book_copy_id
WHERE r.user_id = ? AND r.status = 'borrowed' AND c.status = 'borrowed'`, id)
		if err != nil {
			return err
		}
		books = books[:0]
		for rows.Next() {
			var b int64
			if err := rows.Scan(&b); err != nil {
				rows.Close()
				return err
			}
			books = append(books, b)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, q := range []string{
			`UPDATE book_copies SET status = 'available'
			 WHERE status = 'borrowed' AND copy_id IN (
			   SELECT book_copy_id FROM borrow_records WHERE user_id = ? AND status = 'borrowed' AND book_copy_id IS NOT NULL)`,
			`DELETE FROM email_verification_tokens WHERE user_id = ?`,
			`DELETE FROM reservations WHERE user_id = ?`,
			`DELETE FROM borrow_records WHERE user_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, id); err != nil {
				return err
			}
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM users WHERE user_id = ?`, id)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, nil, err
	}
	return n, books, nil
}

func (s *Store) UpdateProfile(ctx context.Context, id int64, p ProfileUpdate) (int64, error) {
	var (
		set  []string
		args []any
	)
	if p.Username != nil {
		set = append(set, "username = ?")
		args = append(args, *p.Username)
	}
	if p.Email != nil {
		set = append(set, "email = ?")
		args = append(args, *p.Email)
	}
	if p.Phone != nil {
		set = append(set, "phone = ?")
		args = append(args, *p.Phone)
	}
	if len(set) == 0 {
		return 0, nil
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx, `UPDATE users SET `+strings.Join(set, ", ")+` WHERE user_id = ?`, args...)
	if err != nil {
		if db.IsDuplicateKey(err) {
			return 0, ErrAlreadyExists
		}
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) SetRole(ctx context.Context, id int64, role string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET role = ? WHERE user_id = ?`, role, id)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) ReplaceToken(ctx context.Context, t *VerificationToken) error {
	return db.RunInTx(ctx, s.db, nil, func(ctx context.Context, tx db.DBTX) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM email_verification_tokens WHERE user_id = ? AND is_used = 0`, t.UserID); err != nil {
			return fmt.Errorf("delete old codes: %w", err)
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO email_verification_tokens (user_id, token, code, created_at, is_used) VALUES (?, ?, ?, ?, 0)`,
			t.UserID, t.Token, t.Code, t.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("insert code: %w", err)
		}
		t.ID, err = res.LastInsertId()
		return err
	})
}

const tokenSelect = `SELECT token_id, user_id, token, code, created_at, is_used FROM email_verification_tokens`

func scanToken(row *sql.Row) (*VerificationToken, error) {
	var t VerificationToken
	err := row.Scan(&t.ID, &t.UserID, &t.Token, &t.Code, &t.CreatedAt, &t.IsUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t.CreatedAt = t.CreatedAt.UTC()
	return &t, nil
}

func (s *Store) FindUnusedCode(ctx context.Context, userID int64, code string) (*VerificationToken, error) {
	q := tokenSelect + ` WHERE user_id = ? AND code = ? AND is_used = 0 ORDER BY token_id DESC LIMIT 1`
	return scanToken(s.db.QueryRowContext(ctx, q, userID, code))
}

func (s *Store) FindUnusedToken(ctx context.Context, token string) (*VerificationToken, error) {
	return scanToken(s.db.QueryRowContext(ctx, tokenSelect+` WHERE token = ? AND is_used = 0`, token))
}

func (s *Store) Activate(ctx context.Context, tokenID, userID int64) error {
	return db.RunInTx(ctx, s.db, nil, func(ctx context.Context, tx db.DBTX) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE email_verification_tokens SET is_used = 1 WHERE token_id = ? AND is_used = 0`, tokenID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return ErrInvalidCode
		}
		_, err = tx.ExecContext(ctx, `UPDATE users SET is_active = 1, email_verified = 1 WHERE user_id = ?`, userID)
		return err
	})
}
