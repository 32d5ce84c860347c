// Package recommend は蔵書からのおすすめと AI チャット。貸出・予約の状態は変えない
package recommend

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"library-backend/internal/catalog"
)

const (
	maxResults    = 5
	perCategory   = 2
	similarByCat  = 3
	similarByAuth = 2
	availablePool = 200
)

// Catalog は catalog.Service のうち読み取りに使う部分
type Catalog interface {
	ListBooks(ctx context.Context, q catalog.BookQuery, p catalog.Page) ([]catalog.BookSummary, int64, error)
	BooksByIDs(ctx context.Context, ids []int64) ([]catalog.BookSummary, error)
	BookSummary(ctx context.Context, id int64) (*catalog.BookSummary, error)
}

// History は circulation.Engine の貸出履歴
type History interface {
	BorrowedBookIDs(ctx context.Context, userID int64) ([]int64, error)
	HeldBookIDs(ctx context.Context, userID int64) ([]int64, error)
}

type Item struct {
	Book   catalog.BookSummary `json:"book"`
	Reason string              `json:"reason"`
}

type Result struct {
	Message string `json:"message"`
	IsAI    bool   `json:"is_ai"`
	Items   []Item `json:"items"`
}

type Service struct {
	catalog   Catalog
	history   History
	completer Completer
	chatter   Chatter
	validate  *validator.Validate
	log       logrus.FieldLogger
}

// NewService: completer が nil ならルールベースだけで推薦する。
// completer が Chatter も満たすときだけチャットが使える
func NewService(c Catalog, h History, completer Completer, log logrus.FieldLogger) *Service {
	s := &Service{catalog: c, history: h, completer: completer, validate: validator.New(), log: log}
	if ch, ok := completer.(Chatter); ok {
		s.chatter = ch
	}
	return s
}

// Recommend は LLM の回答を優先し、使えない・外れたときはルールベースに落とす
func (s *Service) Recommend(ctx context.Context, userID int64, userInput string) (*Result, error) {
	profile, err := s.buildProfile(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("reading profile: %w", err)
	}
	available, _, err := s.catalog.ListBooks(ctx, catalog.BookQuery{AvailableOnly: true}, catalog.Page{Limit: availablePool})
	if err != nil {
		return nil, fmt.Errorf("available books: %w", err)
	}
	if len(available) == 0 {
		return &Result{Message: "no books are available right now", Items: []Item{}}, nil
	}

	if s.completer != nil {
		res, err := s.aiRecommend(ctx, profile, available, userInput)
		if err == nil && len(res.Items) > 0 {
			return res, nil
		}
		s.log.WithError(err).WithField("user_id", userID).Warn("llm recommendation unavailable, using rules")
	}
	return s.ruleBased(ctx, profile)
}

func (s *Service) aiRecommend(ctx context.Context, p *Profile, available []catalog.BookSummary, userInput string) (*Result, error) {
	content, err := s.completer.Complete(ctx, systemPrompt, buildPrompt(p, available, userInput))
	if err != nil {
		return nil, err
	}
	answer, err := parseAnswer(content)
	if err != nil {
		return nil, err
	}

	skip := map[int64]bool{}
	if p != nil {
		for _, id := range p.BorrowedIDs {
			skip[id] = true
		}
	}
	res := &Result{Message: answer.Summary, IsAI: true, Items: []Item{}}
	if res.Message == "" {
		res.Message = "picked for you by AI"
	}
	for _, rec := range answer.Recommendations {
		b, ok := matchTitle(rec.Title, available)
		if !ok || skip[b.BookID] {
			continue
		}
		skip[b.BookID] = true
		res.Items = append(res.Items, Item{Book: b, Reason: rec.Reason})
		if len(res.Items) == maxResults {
			break
		}
	}
	return res, nil
}

// ruleBased: 好きなカテゴリから2冊ずつ、足りなければ冊数の多い本で埋める
func (s *Service) ruleBased(ctx context.Context, p *Profile) (*Result, error) {
	var exclude []int64
	if p != nil {
		exclude = append(exclude, p.BorrowedIDs...)
	}
	items := []Item{}

	if p != nil {
		for _, cat := range p.FavoriteCategories {
			id := cat.ID
			books, _, err := s.catalog.ListBooks(ctx, catalog.BookQuery{
				CategoryID: &id, AvailableOnly: true, ExcludeIDs: exclude,
			}, catalog.Page{Limit: perCategory})
			if err != nil {
				return nil, err
			}
			for _, b := range books {
				items = append(items, Item{Book: b, Reason: fmt.Sprintf("because you like \"%s\" books", cat.Name)})
				exclude = append(exclude, b.BookID)
			}
		}
	}

	if len(items) < maxResults {
		books, _, err := s.catalog.ListBooks(ctx, catalog.BookQuery{
			AvailableOnly: true, ExcludeIDs: exclude, OrderByCopies: true,
		}, catalog.Page{Limit: maxResults - len(items)})
		if err != nil {
			return nil, err
		}
		for _, b := range books {
			items = append(items, Item{Book: b, Reason: "popular in the library"})
		}
	}

	if len(items) > maxResults {
		items = items[:maxResults]
	}
	return &Result{Message: "recommended from your reading preferences", Items: items}, nil
}

// Similar は同じカテゴリ（最大3冊）と同じ著者（最大2冊）の貸出可能な本
func (s *Service) Similar(ctx context.Context, bookID int64) ([]Item, error) {
	book, err := s.catalog.BookSummary(ctx, bookID)
	if err != nil {
		return nil, err
	}
	exclude := []int64{book.BookID}
	items := []Item{}

	if book.CategoryID != nil {
		books, _, err := s.catalog.ListBooks(ctx, catalog.BookQuery{
			CategoryID: book.CategoryID, AvailableOnly: true, ExcludeIDs: exclude,
		}, catalog.Page{Limit: similarByCat})
		if err != nil {
			return nil, err
		}
		for _, b := range books {
			items = append(items, Item{Book: b, Reason: fmt.Sprintf("also in \"%s\"", book.CategoryName)})
			exclude = append(exclude, b.BookID)
		}
	}

	author := book.Author
	books, _, err := s.catalog.ListBooks(ctx, catalog.BookQuery{
		Author: &author, AvailableOnly: true, ExcludeIDs: exclude,
	}, catalog.Page{Limit: similarByAuth})
	if err != nil {
		return nil, err
	}
	for _, b := range books {
		items = append(items, Item{Book: b, Reason: "also by " + book.Author})
	}

	if len(items) > maxResults {
		items = items[:maxResults]
	}
	return items, nil
}
