package catalog

// ===== Requests =====

type CreateCategoryRequest struct {
	Name        string `json:"name" binding:"required" validate:"required,max=100"`
	Description string `json:"description"`
}

// UpdateCategoryRequest は nil のフィールドを変更しない
type UpdateCategoryRequest struct {
	Name        *string `json:"name,omitempty" validate:"omitempty,min=1,max=100"`
	Description *string `json:"description,omitempty"`
}

type CreateBookRequest struct {
	ISBN        string  `json:"isbn" binding:"required"`
	Title       string  `json:"title" binding:"required" validate:"required,max=200"`
	Author      string  `json:"author" binding:"required" validate:"required,max=200"`
	Publisher   string  `json:"publisher" validate:"max=200"`
	PublishDate *string `json:"publish_date,omitempty"` // YYYY-MM-DD
	CategoryID  *int64  `json:"category_id,omitempty"`
	Description string  `json:"description"`
	Cover       *string `json:"cover,omitempty"`
	Location    string  `json:"location" validate:"max=100"`
	// 登録と同時に作る冊数（0 なら作らない）
	Copies int `json:"copies" validate:"gte=0,lte=100"`
}

// UpdateBookRequest は部分更新。nil のフィールドはそのまま。
// publish_date の空文字は日付を消し、category_id の 0 はカテゴリを外す
type UpdateBookRequest struct {
	ISBN        *string `json:"isbn,omitempty"`
	Title       *string `json:"title,omitempty" validate:"omitempty,min=1,max=200"`
	Author      *string `json:"author,omitempty" validate:"omitempty,min=1,max=200"`
	Publisher   *string `json:"publisher,omitempty" validate:"omitempty,max=200"`
	PublishDate *string `json:"publish_date,omitempty"`
	CategoryID  *int64  `json:"category_id,omitempty"`
	Description *string `json:"description,omitempty"`
	Cover       *string `json:"cover,omitempty"`
	Location    *string `json:"location,omitempty" validate:"omitempty,max=100"`
}

type AddCopiesRequest struct {
	Count int `json:"count" validate:"gte=1,lte=100"`
	// Count=1 のときだけ有効。空なら自動採番
	CopyNumber string `json:"copy_number" validate:"max=50"`
	Condition  string `json:"condition" validate:"max=50"`
	Notes      string `json:"notes"`
}

type UpdateCopyRequest struct {
	Status    *CopyStatus `json:"status,omitempty"`
	Condition *string     `json:"condition,omitempty"`
	Notes     *string     `json:"notes,omitempty"`
}

// ===== Responses =====

type BookDetailResponse struct {
	BookSummary
	Copies []BookCopy `json:"copies"`
}

// ===== Listing helpers =====

type Page struct {
	Limit  int
	Offset int
}

// BookQuery は一覧の絞り込み条件。ゼロ値は「条件なし」
type BookQuery struct {
	Keyword       string // title / author / isbn の部分一致
	CategoryID    *int64
	Author        *string
	AvailableOnly bool
	ExcludeIDs    []int64
	// true なら冊数の多い順、false なら新しい順
	OrderByCopies bool
}
