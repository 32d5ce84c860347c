package catalog

import "time"

type CopyStatus string

const (
	CopyAvailable   CopyStatus = "available"
	CopyBorrowed    CopyStatus = "borrowed"
	CopyReserved    CopyStatus = "reserved"
	CopyMaintenance CopyStatus = "maintenance"
	CopyLost        CopyStatus = "lost"
)

func (s CopyStatus) Valid() bool {
	switch s {
	case CopyAvailable, CopyBorrowed, CopyReserved, CopyMaintenance, CopyLost:
		return true
	}
	return false
}

// Category は categories テーブルの1行
type Category struct {
	CategoryID  int64     `json:"category_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// Book は books テーブルの1行。CategoryID は弱参照（カテゴリ削除で NULL）
type Book struct {
	BookID       int64      `json:"book_id"`
	ISBN         string     `json:"isbn"`
	Title        string     `json:"title"`
	Author       string     `json:"author"`
	Publisher    string     `json:"publisher"`
	PublishDate  *time.Time `json:"publish_date,omitempty"`
	CategoryID   *int64     `json:"category_id,omitempty"`
	CategoryName string     `json:"category_name,omitempty"`
	Description  string     `json:"description"`
	Cover        *string    `json:"cover,omitempty"`
	Location     string     `json:"location"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// BookSummary は冊数の集計付き。集計値は保存しない
type BookSummary struct {
	Book
	TotalCopies     int `json:"total_copies"`
	AvailableCopies int `json:"available_copies"`
	BorrowedCopies  int `json:"borrowed_copies"`
}

// BookCopy は book_copies テーブルの1行
type BookCopy struct {
	CopyID     int64      `json:"copy_id"`
	BookID     int64      `json:"book_id"`
	CopyNumber string     `json:"copy_number"`
	Status     CopyStatus `json:"status"`
	Condition  string     `json:"condition"`
	Notes      string     `json:"notes"`
	CreatedAt  time.Time  `json:"created_at"`
}
