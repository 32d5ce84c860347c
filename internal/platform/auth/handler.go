package auth

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

type AuthHandler struct{ svc AuthService }

// RegisterRoutes はログイン不要のルート
func RegisterRoutes(r gin.IRoutes, svc AuthService) {
	h := &AuthHandler{svc: svc}
	r.POST("/auth/register", h.Register)
	r.POST("/auth/verify", h.Verify)
	r.POST("/auth/resend", h.Resend)
	r.POST("/auth/login", h.Login)
}

// RegisterAccountRoutes は本人向け（RequireAuth の後ろ）
func RegisterAccountRoutes(r gin.IRoutes, svc AuthService) {
	h := &AuthHandler{svc: svc}
	r.GET("/me", h.Me)
	r.PATCH("/me", h.UpdateMe)
}

// RegisterAdminRoutes: ロール変更はここだけ
func RegisterAdminRoutes(r gin.IRoutes, svc AuthService) {
	h := &AuthHandler{svc: svc}
	r.PATCH("/accounts/:id/role", h.SetRole)
	r.DELETE("/accounts/:id", h.DeleteAccount)
}

// Register godoc
// @Summary  ユーザー登録（確認コードをメール送信）
// @Tags     auth
// @Accept   json
// @Produce  json
// @Param    body body RegisterRequest true "account"
// @Success  201 {object} RegisterResponse
// @Failure  400 {object} errorDTO
// @Failure  409 {object} errorDTO
// @Router   /auth/register [post]
func (h *AuthHandler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apiErr("INVALID_ARGUMENT", "Invalid request"))
		return
	}
	acct, sent, err := h.svc.Register(c.Request.Context(), req)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, RegisterResponse{Account: acct, CodeSent: sent})
}

// Verify godoc
// @Summary  確認コードでアカウントを有効化
// @Tags     auth
// @Param    body body VerifyRequest true "username+code or token"
// @Success  200 {object} Account
// @Failure  400 {object} errorDTO
// @Router   /auth/verify [post]
func (h *AuthHandler) Verify(c *gin.Context) {
	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apiErr("INVALID_ARGUMENT", "Invalid request"))
		return
	}
	acct, err := h.svc.Verify(c.Request.Context(), req)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, acct)
}

// Resend godoc
// @Summary  確認コードを再送（古いコードは無効になる）
// @Tags     auth
// @Param    body body ResendRequest true "username"
// @Success  200 {object} map[string]interface{}
// @Failure  400 {object} errorDTO
// @Router   /auth/resend [post]
func (h *AuthHandler) Resend(c *gin.Context) {
	var req ResendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apiErr("INVALID_ARGUMENT", "Invalid request"))
		return
	}
	sent, err := h.svc.Resend(c.Request.Context(), req.Email)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code_sent": sent})
}

// Login godoc
// @Summary  ログインして JWT を受け取る
// @Tags     auth
// @Param    body body LoginRequest true "credentials"
// @Success  200 {object} LoginResponse
// @Failure  401 {object} errorDTO
// @Failure  403 {object} errorDTO "not activated"
// @Router   /auth/login [post]
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apiErr("INVALID_ARGUMENT", "Invalid request"))
		return
	}
	token, err := h.svc.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, LoginResponse{Token: token})
}

// Me godoc
// @Summary  ログイン中のアカウント
// @Tags     auth
// @Security BearerAuth
// @Success  200 {object} Account
// @Failure  401 {object} errorDTO
// @Router   /me [get]
func (h *AuthHandler) Me(c *gin.Context) {
	uid, ok := UserID(c)
	if !ok {
		abort(c, http.StatusUnauthorized, "UNAUTHENTICATED", "login required")
		return
	}
	acct, err := h.svc.Profile(c.Request.Context(), uid)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, acct)
}

// UpdateMe godoc
// @Summary  自分のプロフィールを更新
// @Tags     auth
// @Security BearerAuth
// @Param    body body UpdateProfileRequest true "profile"
// @Success  200 {object} Account
// @Failure  400 {object} errorDTO
// @Router   /me [patch]
func (h *AuthHandler) UpdateMe(c *gin.Context) {
	uid, ok := UserID(c)
	if !ok {
		abort(c, http.StatusUnauthorized, "UNAUTHENTICATED", "login required")
		return
	}
	var req UpdateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apiErr("INVALID_ARGUMENT", "Invalid request"))
		return
	}
	acct, err := h.svc.UpdateProfile(c.Request.Context(), uid, req)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, acct)
}

// SetRole godoc
// @Summary  ロール変更（admin のみ）
// @Tags     auth
// @Security BearerAuth
// @Param    id   path int true "user id"
// @Param    body body SetRoleRequest true "role"
// @Success  200 {object} Account
// @Failure  404 {object} errorDTO
// @Router   /accounts/{id}/role [patch]
func (h *AuthHandler) SetRole(c *gin.Context) {
	id, ok := accountID(c)
	if !ok {
		return
	}
	var req SetRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apiErr("INVALID_ARGUMENT", "role must be user or admin"))
		return
	}
	acct, err := h.svc.SetRole(c.Request.Context(), id, req.Role)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, acct)
}

// DeleteAccount godoc
// @Summary  アカウント削除（貸出中のコピーは available に戻す）
// @Tags     auth
// @Security BearerAuth
// @Param    id path int true "user id"
// @Success  204
// @Failure  404 {object} errorDTO
// @Router   /accounts/{id} [delete]
func (h *AuthHandler) DeleteAccount(c *gin.Context) {
	id, ok := accountID(c)
	if !ok {
		return
	}
	if err := h.svc.Delete(c.Request.Context(), id); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func accountID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, apiErr("INVALID_ARGUMENT", "id must be a positive number"))
		return 0, false
	}
	return id, true
}

func apiErr(code, msg string) errorDTO {
	return errorDTO{Error: errorBody{Code: code, Message: msg}}
}

func writeErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidInput):
		c.JSON(http.StatusBadRequest, apiErr("INVALID_ARGUMENT", err.Error()))
	case errors.Is(err, ErrInvalidCode):
		c.JSON(http.StatusBadRequest, apiErr("INVALID_CODE", "verification code is wrong"))
	case errors.Is(err, ErrCodeExpired):
		c.JSON(http.StatusBadRequest, apiErr("CODE_EXPIRED", "verification code expired; request a new one"))
	case errors.Is(err, ErrAlreadyExists):
		c.JSON(http.StatusConflict, apiErr("ALREADY_EXISTS", "username already exists"))
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, apiErr("NOT_FOUND", "account not found"))
	case errors.Is(err, ErrAuthFailed):
		c.JSON(http.StatusUnauthorized, apiErr("AUTH_FAILED", "invalid username or password"))
	case errors.Is(err, ErrInactive):
		c.JSON(http.StatusForbidden, apiErr("INACTIVE", "account is not activated yet"))
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, apiErr("INTERNAL", "internal error"))
	}
}
