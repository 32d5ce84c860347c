package catalog

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"library-backend/internal/platform/db"
)

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// AvailabilityHook はコピーが available になったときに呼ばれる（予約待ちへの通知用）
type AvailabilityHook func(ctx context.Context, bookID int64)

type Service struct {
	store       *Store
	clock       Clock
	validate    *validator.Validate
	log         logrus.FieldLogger
	onAvailable AvailabilityHook
}

type Option func(*Service)

func WithClock(c Clock) Option { return func(s *Service) { s.clock = c } }

func WithAvailabilityHook(h AvailabilityHook) Option {
	return func(s *Service) { s.onAvailable = h }
}

func NewService(conn *sql.DB, log logrus.FieldLogger, opts ...Option) *Service {
	s := &Service{
		store:    NewStore(conn),
		clock:    realClock{},
		validate: validator.New(),
		log:      log,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ===== categories =====

func (s *Service) CreateCategory(ctx context.Context, in CreateCategoryRequest) (*Category, error) {
	in.Name = strings.TrimSpace(in.Name)
	if err := s.validate.Struct(in); err != nil {
		return nil, ErrInvalid("name is required (max 100 chars)")
	}
	c := &Category{Name: in.Name, Description: in.Description, CreatedAt: s.clock.Now()}
	if err := s.store.InsertCategory(ctx, c); err != nil {
		if db.IsDuplicateKey(err) {
			return nil, ErrConflict("category name already exists")
		}
		return nil, err
	}
	return c, nil
}

func (s *Service) ListCategories(ctx context.Context) ([]Category, error) {
	return s.store.ListCategories(ctx)
}

func (s *Service) UpdateCategory(ctx context.Context, id int64, in UpdateCategoryRequest) (*Category, error) {
	if in.Name != nil {
		n := strings.TrimSpace(*in.Name)
		in.Name = &n
	}
	if err := s.validate.Struct(in); err != nil || (in.Name != nil && *in.Name == "") {
		return nil, ErrInvalid("name must be 1 to 100 chars")
	}
	c, err := s.store.GetCategory(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound("category not found")
		}
		return nil, err
	}
	if in.Name != nil {
		c.Name = *in.Name
	}
	if in.Description != nil {
		c.Description = *in.Description
	}
	if err := s.store.UpdateCategory(ctx, c); err != nil {
		if db.IsDuplicateKey(err) {
			return nil, ErrConflict("category name already exists")
		}
		return nil, err
	}
	return c, nil
}

func (s *Service) DeleteCategory(ctx context.Context, id int64) error {
	if err := s.store.DeleteCategory(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound("category not found")
		}
		return err
	}
	return nil
}

// ===== books =====

func (s *Service) CreateBook(ctx context.Context, in CreateBookRequest) (*BookSummary, error) {
	now := s.clock.Now()
	in.ISBN = NormalizeISBN(in.ISBN)
	in.Title = strings.TrimSpace(in.Title)
	in.Author = strings.TrimSpace(in.Author)
	if !ValidISBN(in.ISBN) {
		return nil, ErrInvalid("isbn must be 10 or 13 digits")
	}
	if err := s.validate.Struct(in); err != nil {
		return nil, ErrInvalid(err.Error())
	}
	b := &Book{
		ISBN:        in.ISBN,
		Title:       in.Title,
		Author:      in.Author,
		Publisher:   strings.TrimSpace(in.Publisher),
		CategoryID:  in.CategoryID,
		Description: in.Description,
		Cover:       in.Cover,
		Location:    strings.TrimSpace(in.Location),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if in.PublishDate != nil {
		d, err := parsePublishDate(*in.PublishDate, now)
		if err != nil {
			return nil, err
		}
		b.PublishDate = d
	}
	if in.CategoryID != nil {
		if _, err := s.store.GetCategory(ctx, *in.CategoryID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, ErrInvalid("category_id does not exist")
			}
			return nil, err
		}
	}

	if err := s.store.InsertBook(ctx, b, in.Copies); err != nil {
		if db.IsDuplicateKey(err) {
			return nil, ErrConflict("isbn already exists")
		}
		return nil, err
	}
	return s.store.GetBookSummary(ctx, b.BookID)
}

// UpdateBook は渡されたフィールドだけを検証して書き換える
func (s *Service) UpdateBook(ctx context.Context, id int64, in UpdateBookRequest) (*BookSummary, error) {
	now := s.clock.Now()
	for _, f := range []**string{&in.Title, &in.Author, &in.Publisher, &in.Location} {
		if *f != nil {
			v := strings.TrimSpace(**f)
			*f = &v
		}
	}
	if (in.Title != nil && *in.Title == "") || (in.Author != nil && *in.Author == "") {
		return nil, ErrInvalid("title and author must not be empty")
	}
	if err := s.validate.Struct(in); err != nil {
		return nil, ErrInvalid(err.Error())
	}
	cur, err := s.store.GetBookSummary(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound("book not found")
		}
		return nil, err
	}
	b := cur.Book

	if in.ISBN != nil {
		isbn := NormalizeISBN(*in.ISBN)
		if !ValidISBN(isbn) {
			return nil, ErrInvalid("isbn must be 10 or 13 digits")
		}
		b.ISBN = isbn
	}
	if in.PublishDate != nil {
		d, err := parsePublishDate(*in.PublishDate, now)
		if err != nil {
			return nil, err
		}
		b.PublishDate = d
	}
	if in.CategoryID != nil {
		if *in.CategoryID == 0 {
			b.CategoryID = nil
		} else {
			if _, err := s.store.GetCategory(ctx, *in.CategoryID); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return nil, ErrInvalid("category_id does not exist")
				}
				return nil, err
			}
			b.CategoryID = in.CategoryID
		}
	}
	if in.Title != nil {
		b.Title = *in.Title
	}
	if in.Author != nil {
		b.Author = *in.Author
	}
	if in.Publisher != nil {
		b.Publisher = *in.Publisher
	}
	if in.Description != nil {
		b.Description = *in.Description
	}
	if in.Cover != nil {
		b.Cover = in.Cover
		if *in.Cover == "" {
			b.Cover = nil
		}
	}
	if in.Location != nil {
		b.Location = *in.Location
	}
	b.UpdatedAt = now

	if err := s.store.UpdateBook(ctx, &b); err != nil {
		if db.IsDuplicateKey(err) {
			return nil, ErrConflict("isbn already exists")
		}
		return nil, err
	}
	return s.store.GetBookSummary(ctx, id)
}

func (s *Service) GetBook(ctx context.Context, id int64) (*BookDetailResponse, error) {
	sum, err := s.store.GetBookSummary(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound("book not found")
		}
		return nil, err
	}
	copies, err := s.store.ListCopies(ctx, id)
	if err != nil {
		return nil, err
	}
	return &BookDetailResponse{BookSummary: *sum, Copies: copies}, nil
}

// BookSummary は冊数集計だけを返す軽量版
func (s *Service) BookSummary(ctx context.Context, id int64) (*BookSummary, error) {
	sum, err := s.store.GetBookSummary(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound("book not found")
		}
		return nil, err
	}
	return sum, nil
}

func (s *Service) ListBooks(ctx context.Context, q BookQuery, p Page) ([]BookSummary, int64, error) {
	return s.store.ListBookSummaries(ctx, q, p)
}

func (s *Service) BooksByIDs(ctx context.Context, ids []int64) ([]BookSummary, error) {
	return s.store.GetBookSummaries(ctx, ids)
}

func (s *Service) DeleteBook(ctx context.Context, id int64) error {
	if err := s.store.DeleteBook(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound("book not found")
		}
		return err
	}
	return nil
}

// ===== copies =====

func (s *Service) AddCopies(ctx context.Context, bookID int64, in AddCopiesRequest) ([]BookCopy, error) {
	if in.Count == 0 {
		in.Count = 1
	}
	in.CopyNumber = strings.TrimSpace(in.CopyNumber)
	if err := s.validate.Struct(in); err != nil {
		return nil, ErrInvalid("count must be between 1 and 100")
	}
	if in.CopyNumber != "" && in.Count != 1 {
		return nil, ErrInvalid("copy_number can only be given when count is 1")
	}
	if in.Condition == "" {
		in.Condition = "good"
	}
	if _, err := s.BookSummary(ctx, bookID); err != nil {
		return nil, err
	}

	ids, err := s.store.AddCopies(ctx, bookID, in.Count, in.CopyNumber, in.Condition, in.Notes, s.clock.Now())
	if err != nil {
		if db.IsDuplicateKey(err) {
			return nil, ErrConflict("copy_number already exists for this book")
		}
		return nil, err
	}
	s.available(ctx, bookID)

	out := make([]BookCopy, 0, len(ids))
	for _, id := range ids {
		c, err := s.store.GetCopy(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, nil
}

func (s *Service) UpdateCopy(ctx context.Context, id int64, in UpdateCopyRequest) (*BookCopy, error) {
	if in.Status != nil && !in.Status.Valid() {
		return nil, ErrInvalid("unknown copy status")
	}
	before, err := s.store.GetCopy(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound("copy not found")
		}
		return nil, err
	}
	after, err := s.store.UpdateCopy(ctx, id, in)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound("copy not found")
		}
		return nil, err
	}
	if before.Status != CopyAvailable && after.Status == CopyAvailable {
		s.available(ctx, after.BookID)
	}
	return after, nil
}

func (s *Service) DeleteCopy(ctx context.Context, id int64) error {
	if err := s.store.DeleteCopy(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound("copy not found")
		}
		return err
	}
	return nil
}

// ExportLabels はコピーのラベル用 CSV を w に書く
func (s *Service) ExportLabels(ctx context.Context, bookID int64, enc LabelEncoding, w io.Writer) error {
	detail, err := s.GetBook(ctx, bookID)
	if err != nil {
		return err
	}
	return WriteLabels(w, enc, labelRows(detail))
}

func (s *Service) available(ctx context.Context, bookID int64) {
	if s.onAvailable == nil {
		return
	}
	s.log.WithField("book_id", bookID).Debug("copy became available")
	s.onAvailable(ctx, bookID)
}
