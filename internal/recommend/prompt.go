package recommend

import (
	"encoding/json"
	"fmt"
	"strings"

	"library-backend/internal/catalog"
)

const (
	systemPrompt = "You are a professional library recommendation assistant who suggests books that match the reader's taste."
	promptBooks  = 50
	promptTitles = 10
)

func buildPrompt(p *Profile, available []catalog.BookSummary, userInput string) string {
	var books strings.Builder
	for i, b := range available {
		if i == promptBooks {
			break
		}
		cat := b.CategoryName
		if cat == "" {
			cat = "Uncategorized"
		}
		fmt.Fprintf(&books, "- \"%s\" by %s, category: %s\n", b.Title, b.Author, cat)
	}

	profile := "The reader is new and has no borrowing history."
	if p != nil {
		titles := p.BooksBorrowed
		if len(titles) > promptTitles {
			titles = titles[:promptTitles]
		}
		profile = fmt.Sprintf(`Reader profile:
- Books borrowed: %s
- Favorite categories: %s
- Favorite authors: %s
- Total borrowed: %d`, strings.Join(titles, ", "), strings.Join(p.categoryNames(), ", "),
			strings.Join(p.FavoriteAuthors, ", "), len(p.BooksBorrowed))
	}

	request := ""
	if s := strings.TrimSpace(userInput); s != "" {
		request = "\nThe reader asks for: " + s + "\n"
	}

	return fmt.Sprintf(`Recommend books from the library's current collection based on the reader's history and preferences.

%s
%s
Books currently available:
%s
Recommend the 5 best books for this reader with a short reason for each.

Rules:
1. Only recommend books from the list above.
2. Do not recommend books the reader has already borrowed.
3. Consider the reader's preferences and interests.

Answer with JSON only, in this format:
{"recommendations": [{"title": "book title", "reason": "why"}], "summary": "one sentence summary"}
`, profile, request, books.String())
}

type aiAnswer struct {
	Recommendations []struct {
		Title  string `json:"title"`
		Reason string `json:"reason"`
	} `json:"recommendations"`
	Summary string `json:"summary"`
}

// parseAnswer はコードフェンス（```json ... ```）を外してから JSON として読む
func parseAnswer(content string) (*aiAnswer, error) {
	s := strings.TrimSpace(content)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	var a aiAnswer
	if err := json.Unmarshal([]byte(strings.TrimSpace(s)), &a); err != nil {
		return nil, fmt.Errorf("decode answer: %w", err)
	}
	return &a, nil
}

// matchTitle は完全一致を優先し、なければ部分一致（大文字小文字は無視）
func matchTitle(title string, books []catalog.BookSummary) (catalog.BookSummary, bool) {
	t := strings.ToLower(strings.TrimSpace(title))
	if t == "" {
		return catalog.BookSummary{}, false
	}
	for _, b := range books {
		if strings.ToLower(b.Title) == t {
			return b, true
		}
	}
	for _, b := range books {
		if strings.Contains(strings.ToLower(b.Title), t) {
			return b, true
		}
	}
	return catalog.BookSummary{}, false
}

func buildChatSystem(held, library []catalog.BookSummary) string {
	var books strings.Builder
	for _, b := range library {
		cat := b.CategoryName
		if cat == "" {
			cat = "Uncategorized"
		}
		avail := "no"
		if b.AvailableCopies > 0 {
			avail = "yes"
		}
		fmt.Fprintf(&books, "- \"%s\" by %s, category: %s, available: %s\n", b.Title, b.Author, cat, avail)
	}
	if books.Len() == 0 {
		books.WriteString("(the collection is empty)\n")
	}

	holding := "The reader is not borrowing any books right now."
	if len(held) > 0 {
		titles := make([]string, 0, len(held))
		for _, b := range held {
			titles = append(titles, fmt.Sprintf("\"%s\"", b.Title))
		}
		holding = "The reader is currently borrowing: " + strings.Join(titles, ", ") + "."
	}

	return fmt.Sprintf(`You are a friendly library assistant who talks with readers about books.
You may recommend any book, introduce its content and author, and answer questions about reading.

%s

The library holds these books:
%s
When you mention a book:
1. If it is in the list above, mark it [in library] and say whether it can be borrowed now.
2. Otherwise mark it [not in library].
You may use Markdown in your answers.`, holding, books.String())
}
