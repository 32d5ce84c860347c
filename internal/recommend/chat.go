package recommend

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"library-backend/internal/catalog"
)

const (
	maxChatHistory = 20 // 10 往復ぶん
	chatPool       = 200
)

var (
	ErrChatInvalid     = errors.New("invalid chat request")
	ErrChatUnavailable = errors.New("ai chat is not configured")
	ErrChatFailed      = errors.New("ai chat failed")
)

type ChatRequest struct {
	Message string        `json:"message" binding:"required" validate:"required,max=500"`
	History []ChatMessage `json:"history" validate:"dive"`
}

// MentionedBook は回答中に書名が出てきた蔵書
type MentionedBook struct {
	BookID          int64  `json:"book_id"`
	Title           string `json:"title"`
	Author          string `json:"author"`
	Available       bool   `json:"available"`
	AvailableCopies int    `json:"available_copies"`
}

type ChatReply struct {
	Message        string          `json:"message"`
	BooksMentioned []MentionedBook `json:"books_mentioned"`
}

// Chat は会話履歴と蔵書・借りている本を文脈にして AI と話す
func (s *Service) Chat(ctx context.Context, userID int64, in ChatRequest) (*ChatReply, error) {
	in.Message = strings.TrimSpace(in.Message)
	if err := s.validate.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChatInvalid, err)
	}
	if s.chatter == nil {
		return nil, ErrChatUnavailable
	}

	library, _, err := s.catalog.ListBooks(ctx, catalog.BookQuery{}, catalog.Page{Limit: chatPool})
	if err != nil {
		return nil, fmt.Errorf("library books: %w", err)
	}
	heldIDs, err := s.history.HeldBookIDs(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("held books: %w", err)
	}
	held, err := s.catalog.BooksByIDs(ctx, heldIDs)
	if err != nil {
		return nil, fmt.Errorf("held books: %w", err)
	}

	history := in.History
	if len(history) > maxChatHistory {
		history = history[len(history)-maxChatHistory:]
	}
	msgs := make([]ChatMessage, 0, len(history)+1)
	msgs = append(msgs, history...)
	msgs = append(msgs, ChatMessage{Role: "user", Content: in.Message})

	answer, err := s.chatter.Chat(ctx, buildChatSystem(held, library), msgs)
	if err != nil {
		s.log.WithError(err).WithField("user_id", userID).Warn("ai chat failed")
		return nil, fmt.Errorf("%w: %v", ErrChatFailed, err)
	}
	return &ChatReply{Message: answer, BooksMentioned: mentioned(answer, library)}, nil
}

func mentioned(answer string, library []catalog.BookSummary) []MentionedBook {
	out := []MentionedBook{}
	for _, b := range library {
		if b.Title == "" || !strings.Contains(answer, b.Title) {
			continue
		}
		out = append(out, MentionedBook{
			BookID:          b.BookID,
			Title:           b.Title,
			Author:          b.Author,
			Available:       b.AvailableCopies > 0,
			AvailableCopies: b.AvailableCopies,
		})
	}
	return out
}
