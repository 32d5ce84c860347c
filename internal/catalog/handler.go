package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

type Handler struct{ svc *Service }

// RegisterPublicRoutes は認証なしで見られる参照系
func RegisterPublicRoutes(r gin.IRoutes, svc *Service) {
	h := &Handler{svc: svc}
	r.GET("/books", h.ListBooks)
	r.GET("/books/:book_id", h.GetBook)
	r.GET("/categories", h.ListCategories)
}

// RegisterAdminRoutes は admin ロール前提のルート（ミドルウェアは呼び出し側で付ける）
func RegisterAdminRoutes(r gin.IRoutes, svc *Service) {
	h := &Handler{svc: svc}
	r.POST("/books", h.CreateBook)
	r.PATCH("/books/:book_id", h.UpdateBook)
	r.DELETE("/books/:book_id", h.DeleteBook)
	r.POST("/books/:book_id/copies", h.AddCopies)
	r.GET("/books/:book_id/labels", h.ExportLabels)
	r.PATCH("/copies/:copy_id", h.UpdateCopy)
	r.DELETE("/copies/:copy_id", h.DeleteCopy)
	r.POST("/categories", h.CreateCategory)
	r.PATCH("/categories/:category_id", h.UpdateCategory)
	r.DELETE("/categories/:category_id", h.DeleteCategory)
}

// ListBooks godoc
// @Summary  本の一覧（冊数集計付き）
// @Tags     books
// @Param    q         query string false "title / author / isbn"
// @Param    category  query int    false "category id"
// @Param    available query bool   false "only books with an available copy"
// @Param    limit     query int    false "default 50"
// @Param    offset    query int    false "default 0"
// @Success  200 {object} map[string]interface{}
// @Router   /books [get]
func (h *Handler) ListBooks(c *gin.Context) {
	q := BookQuery{Keyword: c.Query("q")}
	if v := c.Query("category"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			q.CategoryID = &id
		}
	}
	if v := c.Query("author"); v != "" {
		q.Author = &v
	}
	q.AvailableOnly = c.Query("available") == "true"

	p := Page{
		Limit:  atoiDef(c.Query("limit"), 50),
		Offset: atoiDef(c.Query("offset"), 0),
	}
	items, total, err := h.svc.ListBooks(c.Request.Context(), q, p)
	if err != nil {
		c.JSON(ToHTTPStatus(err), apiErrFrom(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "total": total, "next_offset": nextOffset(total, p)})
}

// GetBook godoc
// @Summary  本の詳細とコピー一覧
// @Tags     books
// @Param    book_id path int true "book id"
// @Success  200 {object} BookDetailResponse
// @Failure  404 {object} errDTO
// @Router   /books/{book_id} [get]
func (h *Handler) GetBook(c *gin.Context) {
	id, ok := pathID(c, "book_id")
	if !ok {
		return
	}
	res, err := h.svc.GetBook(c.Request.Context(), id)
	if err != nil {
		c.JSON(ToHTTPStatus(err), apiErrFrom(err))
		return
	}
	c.JSON(http.StatusOK, res)
}

// ListCategories godoc
// @Summary  カテゴリ一覧
// @Tags     books
// @Success  200 {object} map[string]interface{}
// @Router   /categories [get]
func (h *Handler) ListCategories(c *gin.Context) {
	items, err := h.svc.ListCategories(c.Request.Context())
	if err != nil {
		c.JSON(ToHTTPStatus(err), apiErrFrom(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// CreateBook godoc
// @Summary  本を登録（copies 冊分のコピーも作る）
// @Tags     admin
// @Security BearerAuth
// @Param    body body CreateBookRequest true "book"
// @Success  201 {object} BookSummary
// @Failure  400 {object} errDTO
// @Failure  409 {object} errDTO
// @Router   /books [post]
func (h *Handler) CreateBook(c *gin.Context) {
	var req CreateBookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apiErr(CodeInvalidArgument, "invalid json"))
		return
	}
	res, err := h.svc.CreateBook(c.Request.Context(), req)
	if err != nil {
		c.JSON(ToHTTPStatus(err), apiErrFrom(err))
		return
	}
	c.Header("Location", "/api/v1/books/"+strconv.FormatInt(res.BookID, 10))
	c.JSON(http.StatusCreated, res)
}

// UpdateBook godoc
// @Summary  本の情報を部分更新
// @Tags     admin
// @Security BearerAuth
// @Param    book_id path int               true "book id"
// @Param    body    body UpdateBookRequest true "fields to change"
// @Success  200 {object} BookSummary
// @Failure  400 {object} errDTO
// @Failure  404 {object} errDTO
// @Failure  409 {object} errDTO
// @Router   /books/{book_id} [patch]
func (h *Handler) UpdateBook(c *gin.Context) {
	id, ok := pathID(c, "book_id")
	if !ok {
		return
	}
	var req UpdateBookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apiErr(CodeInvalidArgument, "invalid json"))
		return
	}
	res, err := h.svc.UpdateBook(c.Request.Context(), id, req)
	if err != nil {
		c.JSON(ToHTTPStatus(err), apiErrFrom(err))
		return
	}
	c.JSON(http.StatusOK, res)
}

// DeleteBook godoc
// @Summary  本を削除（コピー・貸出記録・予約も消える）
// @Tags     admin
// @Security BearerAuth
// @Param    book_id path int true "book id"
// @Success  204
// @Failure  404 {object} errDTO
// @Router   /books/{book_id} [delete]
func (h *Handler) DeleteBook(c *gin.Context) {
	id, ok := pathID(c, "book_id")
	if !ok {
		return
	}
	if err := h.svc.DeleteBook(c.Request.Context(), id); err != nil {
		c.JSON(ToHTTPStatus(err), apiErrFrom(err))
		return
	}
	c.Status(http.StatusNoContent)
}

// AddCopies godoc
// @Summary  コピーを追加
// @Tags     admin
// @Security BearerAuth
// @Param    book_id path int              true "book id"
// @Param    body    body AddCopiesRequest true "copies"
// @Success  201 {object} map[string]interface{}
// @Failure  404 {object} errDTO
// @Failure  409 {object} errDTO
// @Router   /books/{book_id}/copies [post]
func (h *Handler) AddCopies(c *gin.Context) {
	id, ok := pathID(c, "book_id")
	if !ok {
		return
	}
	var req AddCopiesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apiErr(CodeInvalidArgument, "invalid json"))
		return
	}
	res, err := h.svc.AddCopies(c.Request.Context(), id, req)
	if err != nil {
		c.JSON(ToHTTPStatus(err), apiErrFrom(err))
		return
	}
	c.JSON(http.StatusCreated, gin.H{"items": res})
}

// UpdateCopy godoc
// @Summary  コピーの状態を更新（available に戻ると予約待ちへ通知）
// @Tags     admin
// @Security BearerAuth
// @Param    copy_id path int               true "copy id"
// @Param    body    body UpdateCopyRequest true "fields to change"
// @Success  200 {object} BookCopy
// @Failure  400 {object} errDTO
// @Failure  404 {object} errDTO
// @Router   /copies/{copy_id} [patch]
func (h *Handler) UpdateCopy(c *gin.Context) {
	id, ok := pathID(c, "copy_id")
	if !ok {
		return
	}
	var req UpdateCopyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apiErr(CodeInvalidArgument, "invalid json"))
		return
	}
	res, err := h.svc.UpdateCopy(c.Request.Context(), id, req)
	if err != nil {
		c.JSON(ToHTTPStatus(err), apiErrFrom(err))
		return
	}
	c.JSON(http.StatusOK, res)
}

// DeleteCopy godoc
// @Summary  コピーを削除
// @Tags     admin
// @Security BearerAuth
// @Param    copy_id path int true "copy id"
// @Success  204
// @Failure  404 {object} errDTO
// @Router   /copies/{copy_id} [delete]
func (h *Handler) DeleteCopy(c *gin.Context) {
	id, ok := pathID(c, "copy_id")
	if !ok {
		return
	}
	if err := h.svc.DeleteCopy(c.Request.Context(), id); err != nil {
		c.JSON(ToHTTPStatus(err), apiErrFrom(err))
		return
	}
	c.Status(http.StatusNoContent)
}

// ExportLabels godoc
// @Summary  コピーのラベル CSV
// @Tags     admin
// @Security BearerAuth
// @Param    book_id  path  int    true  "book id"
// @Param    encoding query string false "utf-8 (default) or shift_jis"
// @Produce  text/csv
// @Router   /books/{book_id}/labels [get]
func (h *Handler) ExportLabels(c *gin.Context) {
	id, ok := pathID(c, "book_id")
	if !ok {
		return
	}
	enc, err := ParseLabelEncoding(c.Query("encoding"))
	if err != nil {
		c.JSON(ToHTTPStatus(err), apiErrFrom(err))
		return
	}
	// 途中でエンコードに失敗しても中途半端な CSV を返さないよう一度バッファに書く
	var buf bytes.Buffer
	if err := h.svc.ExportLabels(c.Request.Context(), id, enc, &buf); err != nil {
		c.JSON(ToHTTPStatus(err), apiErrFrom(err))
		return
	}
	contentType := "text/csv; charset=utf-8"
	if enc == LabelShiftJIS {
		contentType = "text/csv; charset=shift_jis"
	}
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="labels_%d.csv"`, id))
	c.Data(http.StatusOK, contentType, buf.Bytes())
}

// CreateCategory godoc
// @Summary  カテゴリを作成
// @Tags     admin
// @Security BearerAuth
// @Param    body body CreateCategoryRequest true "category"
// @Success  201 {object} Category
// @Failure  409 {object} errDTO
// @Router   /categories [post]
func (h *Handler) CreateCategory(c *gin.Context) {
	var req CreateCategoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apiErr(CodeInvalidArgument, "invalid json"))
		return
	}
	res, err := h.svc.CreateCategory(c.Request.Context(), req)
	if err != nil {
		c.JSON(ToHTTPStatus(err), apiErrFrom(err))
		return
	}
	c.JSON(http.StatusCreated, res)
}

// UpdateCategory godoc
// @Summary  カテゴリを部分更新
// @Tags     admin
// @Security BearerAuth
// @Param    category_id path int                   true "category id"
// @Param    body        body UpdateCategoryRequest true "fields to change"
// @Success  200 {object} Category
// @Failure  404 {object} errDTO
// @Failure  409 {object} errDTO
// @Router   /categories/{category_id} [patch]
func (h *Handler) UpdateCategory(c *gin.Context) {
	id, ok := pathID(c, "category_id")
	if !ok {
		return
	}
	var req UpdateCategoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apiErr(CodeInvalidArgument, "invalid json"))
		return
	}
	res, err := h.svc.UpdateCategory(c.Request.Context(), id, req)
	if err != nil {
		c.JSON(ToHTTPStatus(err), apiErrFrom(err))
		return
	}
	c.JSON(http.StatusOK, res)
}

// DeleteCategory godoc
// @Summary  カテゴリを削除（本の category_id は NULL になる）
// @Tags     admin
// @Security BearerAuth
// @Param    category_id path int true "category id"
// @Success  204
// @Failure  404 {object} errDTO
// @Router   /categories/{category_id} [delete]
func (h *Handler) DeleteCategory(c *gin.Context) {
	id, ok := pathID(c, "category_id")
	if !ok {
		return
	}
	if err := h.svc.DeleteCategory(c.Request.Context(), id); err != nil {
		c.JSON(ToHTTPStatus(err), apiErrFrom(err))
		return
	}
	c.Status(http.StatusNoContent)
}

// ===== helpers =====

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, apiErr(CodeInvalidArgument, name+" must be a positive number"))
		return 0, false
	}
	return id, true
}

func atoiDef(s string, d int) int {
	if s == "" {
		return d
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return d
	}
	return n
}

func nextOffset(total int64, p Page) int {
	limit, offset := normalizePage(p)
	n := offset + limit
	if n >= int(total) {
		return 0
	}
	return n
}

type errDTO struct {
	Error struct {
		Code    Code   `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func apiErr(code Code, msg string) errDTO {
	var e errDTO
	e.Error.Code = code
	e.Error.Message = msg
	return e
}

func apiErrFrom(err error) errDTO {
	var api *APIError
	if errors.As(err, &api) {
		return apiErr(api.Code, api.Message)
	}
	return apiErr(CodeInternal, "internal error")
}
