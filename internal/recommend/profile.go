package recommend

import (
	"context"
	"sort"

	"library-backend/internal/catalog"
)

// Profile は貸出履歴から作る読書傾向
type Profile struct {
	BorrowedIDs        []int64
	BooksBorrowed      []string
	FavoriteCategories []favorite
	FavoriteAuthors    []string
}

type favorite struct {
	ID   int64
	Name string
	n    int
}

const (
	maxCategories = 3
	maxAuthors    = 5
)

// buildProfile: 履歴が無ければ nil
func (s *Service) buildProfile(ctx context.Context, userID int64) (*Profile, error) {
	ids, err := s.history.BorrowedBookIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	books, err := s.catalog.BooksByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	return profileOf(ids, books), nil
}

func profileOf(ids []int64, books []catalog.BookSummary) *Profile {
	p := &Profile{BorrowedIDs: ids}
	counts := map[int64]*favorite{}
	seenAuthor := map[string]bool{}
	for _, b := range books {
		p.BooksBorrowed = append(p.BooksBorrowed, b.Title)
		if b.CategoryID != nil {
			f, ok := counts[*b.CategoryID]
			if !ok {
				f = &favorite{ID: *b.CategoryID, Name: b.CategoryName}
				counts[*b.CategoryID] = f
			}
			f.n++
		}
		if b.Author != "" && !seenAuthor[b.Author] && len(p.FavoriteAuthors) < maxAuthors {
			seenAuthor[b.Author] = true
			p.FavoriteAuthors = append(p.FavoriteAuthors, b.Author)
		}
	}

	for _, f := range counts {
		p.FavoriteCategories = append(p.FavoriteCategories, *f)
	}
	sort.Slice(p.FavoriteCategories, func(i, j int) bool {
		a, b := p.FavoriteCategories[i], p.FavoriteCategories[j]
		if a.n != b.n {
			return a.n > b.n
		}
		return a.Name < b.Name
	})
	if len(p.FavoriteCategories) > maxCategories {
		p.FavoriteCategories = p.FavoriteCategories[:maxCategories]
	}
	return p
}

func (p *Profile) categoryNames() []string {
	out := make([]string, 0, len(p.FavoriteCategories))
	for _, f := range p.FavoriteCategories {
		out = append(out, f.Name)
	}
	return out
}
