package circulation

import "time"

// BorrowResponse は貸出記録に期限の派生値を付けたもの
type BorrowResponse struct {
	BorrowRecord
	IsOverdue     bool `json:"is_overdue"`
	DaysRemaining int  `json:"days_remaining"`
}

func toBorrowResponse(r BorrowRecord, now time.Time) BorrowResponse {
	return BorrowResponse{
		BorrowRecord:  r,
		IsOverdue:     r.IsOverdue(now),
		DaysRemaining: r.DaysRemaining(now),
	}
}

func toBorrowResponses(items []BorrowRecord, now time.Time) []BorrowResponse {
	out := make([]BorrowResponse, 0, len(items))
	for _, r := range items {
		out = append(out, toBorrowResponse(r, now))
	}
	return out
}

type ListResponse[T any] struct {
	Items      []T   `json:"items"`
	Total      int64 `json:"total"`
	NextOffset int   `json:"next_offset"`
}

type QueueResponse struct {
	BookID  int64 `json:"book_id"`
	Waiting int   `json:"waiting"`
}
