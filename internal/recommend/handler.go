package recommend

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"library-backend/internal/catalog"
	"library-backend/internal/platform/auth"
)

type Handler struct{ svc *Service }

func RegisterPublicRoutes(r gin.IRoutes, svc *Service) {
	h := &Handler{svc: svc}
	r.GET("/books/:book_id/similar", h.Similar)
}

// RegisterRoutes はログイン済みユーザー向け
func RegisterRoutes(r gin.IRoutes, svc *Service) {
	h := &Handler{svc: svc}
	r.GET("/recommendations", h.Recommend)
	r.POST("/chat", h.Chat)
}

// Recommend godoc
// @Summary  貸出履歴にもとづくおすすめ（q で要望を渡せる）
// @Tags     recommend
// @Security BearerAuth
// @Param    q query string false "free-text request"
// @Success  200 {object} Result
// @Router   /recommendations [get]
func (h *Handler) Recommend(c *gin.Context) {
	uid, ok := auth.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": gin.H{"code": "UNAUTHENTICATED", "message": "login required"}})
		return
	}
	res, err := h.svc.Recommend(c.Request.Context(), uid, c.Query("q"))
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"code": "INTERNAL", "message": "recommendation failed"}})
		return
	}
	c.JSON(http.StatusOK, res)
}

// Chat godoc
// @Summary  AI 図書アシスタントとの会話（history は直近 20 件まで使う）
// @Tags     recommend
// @Security BearerAuth
// @Param    body body ChatRequest true "message and history"
// @Success  200 {object} ChatReply
// @Failure  400 {object} map[string]interface{}
// @Failure  503 {object} map[string]interface{}
// @Router   /chat [post]
func (h *Handler) Chat(c *gin.Context) {
	uid, ok := auth.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": gin.H{"code": "UNAUTHENTICATED", "message": "login required"}})
		return
	}
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "INVALID_ARGUMENT", "message": "message is required"}})
		return
	}
	res, err := h.svc.Chat(c.Request.Context(), uid, req)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, res)
	case errors.Is(err, ErrChatInvalid):
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "INVALID_ARGUMENT", "message": "message must be 1 to 500 chars and history roles user or assistant"}})
	case errors.Is(err, ErrChatUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": gin.H{"code": "UNAVAILABLE", "message": "ai chat is not configured"}})
	case errors.Is(err, ErrChatFailed):
		c.JSON(http.StatusBadGateway, gin.H{"error": gin.H{"code": "UPSTREAM", "message": "ai service did not answer, try again later"}})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"code": "INTERNAL", "message": "chat failed"}})
	}
}

// Similar godoc
// @Summary  同じカテゴリ・著者の本
// @Tags     recommend
// @Param    book_id path int true "book id"
// @Success  200 {object} map[string]interface{}
// @Failure  404 {object} map[string]interface{}
// @Router   /books/{book_id}/similar [get]
func (h *Handler) Similar(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("book_id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "INVALID_ARGUMENT", "message": "book_id must be a positive number"}})
		return
	}
	items, err := h.svc.Similar(c.Request.Context(), id)
	if err != nil {
		var api *catalog.APIError
		if errors.As(err, &api) {
			c.JSON(catalog.ToHTTPStatus(err), gin.H{"error": api})
			return
		}
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"code": "INTERNAL", "message": "similar books failed"}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}
