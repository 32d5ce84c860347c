package circulation

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"library-backend/internal/platform/auth"
)

type Handler struct{ eng *Engine }

// RegisterRoutes はログイン済みユーザー向け（RequireAuth の後ろに置く）
func RegisterRoutes(r gin.IRoutes, eng *Engine) {
	h := &Handler{eng: eng}
	r.POST("/books/:book_id/borrow", h.Borrow)
	r.POST("/books/:book_id/reservations", h.Reserve)
	r.GET("/books/:book_id/queue", h.Queue)
	r.GET("/borrows/:key", h.GetBorrow)
	r.POST("/borrows/:key/return", h.Return)
	r.GET("/reservations/:key", h.GetReservation)
	r.DELETE("/reservations/:key", h.CancelReservation)
	r.GET("/me/borrows", h.MyBorrows)
	r.GET("/me/reservations", h.MyReservations)
}

// RegisterAdminRoutes は admin ロール用の一覧
func RegisterAdminRoutes(r gin.IRoutes, eng *Engine) {
	h := &Handler{eng: eng}
	r.GET("/admin/borrows", h.AdminBorrows)
	r.GET("/admin/reservations", h.AdminReservations)
}

// Borrow godoc
// @Summary  本を借りる
// @Tags     circulation
// @Security BearerAuth
// @Param    book_id path int true "book id"
// @Success  201 {object} BorrowResponse
// @Failure  404 {object} errorDTO
// @Failure  409 {object} errorDTO "ALREADY_BORROWED / NO_COPY_AVAILABLE"
// @Router   /books/{book_id}/borrow [post]
func (h *Handler) Borrow(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	bookID, ok := bookParam(c)
	if !ok {
		return
	}
	rec, err := h.eng.Borrow(c.Request.Context(), uid, bookID)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.Header("Location", "/api/v1/borrows/"+rec.ULID)
	c.JSON(http.StatusCreated, toBorrowResponse(*rec, h.eng.Now()))
}

// Return godoc
// @Summary  返却する（key は数値 ID か ULID）
// @Tags     circulation
// @Security BearerAuth
// @Param    key path string true "record id or ulid"
// @Success  200 {object} BorrowResponse
// @Failure  403 {object} errorDTO
// @Failure  404 {object} errorDTO
// @Router   /borrows/{key}/return [post]
func (h *Handler) Return(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	rec, err := h.eng.Return(c.Request.Context(), uid, c.Param("key"))
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, toBorrowResponse(*rec, h.eng.Now()))
}

// GetBorrow godoc
// @Summary  貸出記録（本人のみ）
// @Tags     circulation
// @Security BearerAuth
// @Param    key path string true "record id or ulid"
// @Success  200 {object} BorrowResponse
// @Failure  403 {object} errorDTO
// @Failure  404 {object} errorDTO
// @Router   /borrows/{key} [get]
func (h *Handler) GetBorrow(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	rec, err := h.eng.GetBorrow(c.Request.Context(), uid, c.Param("key"))
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, toBorrowResponse(*rec, h.eng.Now()))
}

// Reserve godoc
// @Summary  予約する（貸出可能なコピーがあるときは 409 COPY_AVAILABLE）
// @Tags     circulation
// @Security BearerAuth
// @Param    book_id path int true "book id"
// @Success  201 {object} Reservation
// @Failure  409 {object} errorDTO
// @Router   /books/{book_id}/reservations [post]
func (h *Handler) Reserve(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	bookID, ok := bookParam(c)
	if !ok {
		return
	}
	res, err := h.eng.Reserve(c.Request.Context(), uid, bookID)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.Header("Location", "/api/v1/reservations/"+res.ULID)
	c.JSON(http.StatusCreated, res)
}

// GetReservation godoc
// @Summary  予約（本人のみ、waiting なら順番付き）
// @Tags     circulation
// @Security BearerAuth
// @Param    key path string true "reservation id or ulid"
// @Success  200 {object} Reservation
// @Failure  403 {object} errorDTO
// @Failure  404 {object} errorDTO
// @Router   /reservations/{key} [get]
func (h *Handler) GetReservation(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	res, err := h.eng.GetReservation(c.Request.Context(), uid, c.Param("key"))
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// CancelReservation godoc
// @Summary  予約を取り消す（waiting のときだけ）
// @Tags     circulation
// @Security BearerAuth
// @Param    key path string true "reservation id or ulid"
// @Success  200 {object} Reservation
// @Failure  403 {object} errorDTO
// @Failure  409 {object} errorDTO "INVALID_STATE"
// @Router   /reservations/{key} [delete]
func (h *Handler) CancelReservation(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	res, err := h.eng.CancelReservation(c.Request.Context(), uid, c.Param("key"))
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Queue godoc
// @Summary  本の予約待ち件数
// @Tags     circulation
// @Security BearerAuth
// @Param    book_id path int true "book id"
// @Success  200 {object} map[string]interface{}
// @Router   /books/{book_id}/queue [get]
func (h *Handler) Queue(c *gin.Context) {
	bookID, ok := bookParam(c)
	if !ok {
		return
	}
	n, err := h.eng.QueueLength(c.Request.Context(), bookID)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, QueueResponse{BookID: bookID, Waiting: n})
}

// MyBorrows godoc
// @Summary  自分の貸出（status で絞り込み）
// @Tags     circulation
// @Security BearerAuth
// @Param    status query string false "borrowed / returned"
// @Param    limit  query int    false "default 50"
// @Param    offset query int    false "default 0"
// @Success  200 {object} map[string]interface{}
// @Router   /me/borrows [get]
func (h *Handler) MyBorrows(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	status, ok := borrowStatusQuery(c)
	if !ok {
		return
	}
	limit, offset := atoiDef(c.Query("limit"), 50), atoiDef(c.Query("offset"), 0)
	items, total, err := h.eng.ListUserBorrows(c.Request.Context(), uid, status, limit, offset)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, ListResponse[BorrowResponse]{
		Items: toBorrowResponses(items, h.eng.Now()), Total: total, NextOffset: nextOffset(total, limit, offset),
	})
}

// MyReservations godoc
// @Summary  自分の予約
// @Tags     circulation
// @Security BearerAuth
// @Param    limit  query int false "default 50"
// @Param    offset query int false "default 0"
// @Success  200 {object} map[string]interface{}
// @Router   /me/reservations [get]
func (h *Handler) MyReservations(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	limit, offset := atoiDef(c.Query("limit"), 50), atoiDef(c.Query("offset"), 0)
	items, total, err := h.eng.ListUserReservations(c.Request.Context(), uid, limit, offset)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, ListResponse[Reservation]{Items: items, Total: total, NextOffset: nextOffset(total, limit, offset)})
}

// AdminBorrows godoc
// @Summary  全ユーザーの貸出
// @Tags     admin
// @Security BearerAuth
// @Param    user_id query int    false "user id"
// @Param    book_id query int    false "book id"
// @Param    status  query string false "borrowed / returned"
// @Param    limit   query int    false "default 50"
// @Param    offset  query int    false "default 0"
// @Success  200 {object} map[string]interface{}
// @Router   /admin/borrows [get]
func (h *Handler) AdminBorrows(c *gin.Context) {
	status, ok := borrowStatusQuery(c)
	if !ok {
		return
	}
	f := BorrowFilter{
		UserID: int64Query(c, "user_id"),
		BookID: int64Query(c, "book_id"),
		Status: status,
		Limit:  atoiDef(c.Query("limit"), 50),
		Offset: atoiDef(c.Query("offset"), 0),
	}
	items, total, err := h.eng.ListBorrows(c.Request.Context(), f)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, ListResponse[BorrowResponse]{
		Items: toBorrowResponses(items, h.eng.Now()), Total: total, NextOffset: nextOffset(total, f.Limit, f.Offset),
	})
}

// AdminReservations godoc
// @Summary  全ユーザーの予約
// @Tags     admin
// @Security BearerAuth
// @Param    user_id query int    false "user id"
// @Param    book_id query int    false "book id"
// @Param    status  query string false "waiting / notified / fulfilled / cancelled / expired"
// @Param    limit   query int    false "default 50"
// @Param    offset  query int    false "default 0"
// @Success  200 {object} map[string]interface{}
// @Router   /admin/reservations [get]
func (h *Handler) AdminReservations(c *gin.Context) {
	f := ReservationFilter{
		UserID: int64Query(c, "user_id"),
		BookID: int64Query(c, "book_id"),
		Limit:  atoiDef(c.Query("limit"), 50),
		Offset: atoiDef(c.Query("offset"), 0),
	}
	if v := c.Query("status"); v != "" {
		st := ReservationStatus(v)
		switch st {
		case ReservationWaiting, ReservationNotified, ReservationFulfilled, ReservationCancelled, ReservationExpired:
			f.Status = &st
		default:
			c.JSON(http.StatusBadRequest, apiErr(CodeInvalidArgument, "unknown reservation status"))
			return
		}
	}
	items, total, err := h.eng.ListReservations(c.Request.Context(), f)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, ListResponse[Reservation]{Items: items, Total: total, NextOffset: nextOffset(total, f.Limit, f.Offset)})
}

// ===== helpers =====

func currentUser(c *gin.Context) (int64, bool) {
	uid, ok := auth.UserID(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, apiErr("UNAUTHENTICATED", "login required"))
		return 0, false
	}
	return uid, true
}

func bookParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("book_id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, apiErr(CodeInvalidArgument, "book_id must be a positive number"))
		return 0, false
	}
	return id, true
}

func borrowStatusQuery(c *gin.Context) (*BorrowStatus, bool) {
	v := c.Query("status")
	if v == "" {
		return nil, true
	}
	st := BorrowStatus(v)
	switch st {
	case BorrowBorrowed, BorrowReturned, BorrowOverdue:
		return &st, true
	}
	c.JSON(http.StatusBadRequest, apiErr(CodeInvalidArgument, "unknown borrow status"))
	return nil, false
}

func int64Query(c *gin.Context, name string) *int64 {
	v := c.Query(name)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil
	}
	return &n
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

func nextOffset(total int64, limit, offset int) int {
	limit, offset = page(limit, offset)
	n := offset + limit
	if n >= int(total) {
		return 0
	}
	return n
}

type errorDTO struct {
	Error DomainError `json:"error"`
}

func apiErr(code, msg string) errorDTO {
	return errorDTO{Error: DomainError{Code: code, Message: msg}}
}

func writeErr(c *gin.Context, err error) {
	var de *DomainError
	if errors.As(err, &de) {
		c.JSON(ToHTTPStatus(err), apiErr(de.Code, de.Message))
		return
	}
	_ = c.Error(err)
	c.JSON(http.StatusInternalServerError, apiErr(CodeInternal, "internal error"))
}
