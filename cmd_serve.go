package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "library-backend/docs"
	"library-backend/internal/catalog"
	"library-backend/internal/circulation"
	"library-backend/internal/platform/auth"
	"library-backend/internal/platform/logger"
	"library-backend/internal/platform/metrics"
	"library-backend/internal/recommend"
	"library-backend/internal/reminder"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	// serve 起動時にもスキーマを揃える（適用済みなら何もしない）
	if err := a.migrate(cmd.Context()); err != nil {
		return err
	}
	if err := a.wire(); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           a.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var certFile, keyFile string
	if c := a.cfg.Server.Certificate; c.Cert != "" && c.Key != "" {
		// TLS証明書は config/tls/<mode>/ 以下に置く
		certFile = fmt.Sprintf("config/tls/%s/%s", a.cfg.Mode, c.Cert)
		keyFile = fmt.Sprintf("config/tls/%s/%s", a.cfg.Mode, c.Key)
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.WithFields(logrus.Fields{"addr": srv.Addr, "tls": certFile != ""}).Info("listening")
		var err error
		if certFile != "" {
			err = srv.ListenAndServeTLS(certFile, keyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-quit:
	}
	a.log.Info("shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func (a *app) router() *gin.Engine {
	if a.cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(logger.GinMiddleware(a.log), gin.Recovery())
	_ = r.SetTrustedProxies(nil)

	if a.cfg.Mode == "dev" {
		// CORS（開発中のみ必要）
		origins := a.cfg.Server.CORSOrigins
		if len(origins) == 0 {
			origins = []string{"http://localhost:3000"}
		}
		r.Use(cors.New(cors.Config{
			AllowOrigins:     origins,
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
			ExposeHeaders:    []string{"Content-Length", "Content-Disposition"},
			AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowCredentials: true,
		}))
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	// ヘルス
	r.GET("/healthz", func(c *gin.Context) {
		if err := a.conn.PingContext(c.Request.Context()); err != nil {
			c.String(http.StatusServiceUnavailable, "db unavailable")
			return
		}
		c.String(http.StatusOK, "ok")
	})
	r.GET("/metrics", metrics.Handler())

	secret := []byte(a.cfg.JWT.Secret)

	// /api/v1
	api := r.Group("/api/v1")
	auth.RegisterRoutes(api, a.auth)
	catalog.RegisterPublicRoutes(api, a.catalog)
	recommend.RegisterPublicRoutes(api, a.recommend)

	// ログイン必須
	authed := api.Group("", auth.RequireAuth(secret))
	auth.RegisterAccountRoutes(authed, a.auth)
	circulation.RegisterRoutes(authed, a.engine)
	recommend.RegisterRoutes(authed, a.recommend)

	// 管理者のみ
	admin := authed.Group("", auth.RequireRole(auth.RoleAdmin))
	auth.RegisterAdminRoutes(admin, a.auth)
	catalog.RegisterAdminRoutes(admin, a.catalog)
	circulation.RegisterAdminRoutes(admin, a.engine)
	reminder.RegisterAdminRoutes(admin, a.sweeper)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"code": "NOT_FOUND", "message": "route not found"}})
	})
	return r
}
