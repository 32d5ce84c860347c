package reminder

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type Handler struct{ s *Sweeper }

// RegisterAdminRoutes は cron の代わりに HTTP から sweep を起動するためのルート
func RegisterAdminRoutes(r gin.IRoutes, s *Sweeper) {
	h := &Handler{s: s}
	r.POST("/admin/sweeps", h.Sweep)
}

// Sweep godoc
// @Summary  リマインドと予約期限切れの sweep を実行（dry_run=true なら対象の一覧だけ）
// @Tags     admin
// @Security BearerAuth
// @Param    dry_run query bool false "plan only"
// @Success  200 {object} map[string]interface{}
// @Failure  500 {object} map[string]interface{}
// @Router   /admin/sweeps [post]
func (h *Handler) Sweep(c *gin.Context) {
	if c.Query("dry_run") == "true" {
		plan, err := h.s.Plan(c.Request.Context())
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"code": "INTERNAL", "message": "sweep plan failed"}})
			return
		}
		c.JSON(http.StatusOK, plan)
		return
	}

	res, err := h.s.Run(c.Request.Context())
	if err != nil {
		// 一部の sweep が失敗しても、成功した分の件数は返す
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"result": res,
			"error":  gin.H{"code": "INTERNAL", "message": err.Error()},
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res})
}
