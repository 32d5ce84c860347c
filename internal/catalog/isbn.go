package catalog

import (
	"strings"
	"time"

	"golang.org/x/text/width"
)

// NormalizeISBN は全角英数字を半角に寄せて前後の空白を落とす。ハイフンは残す
func NormalizeISBN(s string) string {
	return strings.TrimSpace(width.Narrow.String(s))
}

// ValidISBN: ハイフンを除いて 10 桁か 13 桁の数字
func ValidISBN(s string) bool {
	digits := strings.ReplaceAll(s, "-", "")
	if len(digits) != 10 && len(digits) != 13 {
		return false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// parsePublishDate は YYYY-MM-DD を受け取り、未来日付なら弾く
func parsePublishDate(s string, now time.Time) (*time.Time, error) {
	s = strings.TrimSpace(width.Narrow.String(s))
	if s == "" {
		return nil, nil
	}
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil, ErrInvalid("publish_date must be YYYY-MM-DD")
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if d.After(today) {
		return nil, ErrInvalid("publish_date must not be in the future")
	}
	return &d, nil
}
