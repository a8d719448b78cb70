// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	sessionsredis "github.com/gin-contrib/sessions/redis"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/yourusername/todo-forge/internal/auth"
	"github.com/yourusername/todo-forge/internal/config"
	"github.com/yourusername/todo-forge/internal/ratelimit"
	"github.com/yourusername/todo-forge/internal/session"
	"github.com/yourusername/todo-forge/internal/todo"
	"github.com/yourusername/todo-forge/internal/user"
)

// sessionKeyPrefix はセッションストアが Redis に書くキーのプレフィックスです。
// レジストリ側の削除と一致している必要があります。
const sessionKeyPrefix = "sess:"

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	// Redisクライアント（ユーザー・TODO・アクセス記録・レジストリ共用）
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to parse REDIS_URL: %v", err)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()

	// セッションストアの設定（Redis 永続化、クッキー署名鍵は必須）
	sessionTTL := time.Duration(cfg.SessionTTLHours) * time.Hour
	store, err := sessionsredis.NewStore(10, "tcp", opt.Addr, opt.Username, opt.Password, []byte(cfg.SessionSecret))
	if err != nil {
		log.Fatalf("Failed to create session store: %v", err)
	}
	if err := sessionsredis.SetKeyPrefix(store, sessionKeyPrefix); err != nil {
		log.Fatalf("Failed to set session key prefix: %v", err)
	}
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   int(sessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   cfg.GinMode == gin.ReleaseMode,
		SameSite: http.SameSiteStrictMode,
	})
	router.Use(sessions.Sessions(auth.SessionCookieName, store))

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
	}
	router.Use(cors.New(corsConfig))

	// ストアとサービスの組み立て
	userStore := user.NewStore(rdb)
	registry := session.NewRegistry(rdb, sessionKeyPrefix, sessionTTL)
	todoStore := todo.NewStore(rdb)
	rateGate := ratelimit.NewStore(rdb,
		time.Duration(cfg.RateCooldownSeconds)*time.Second,
		time.Duration(cfg.AccessRecordTTLHours)*time.Hour,
	)
	authManager := auth.NewManager(userStore, registry, cfg.BcryptCost)

	// ルーティングの設定
	setupRoutes(router, cfg, authManager, rateGate, todoStore)

	// メンテナンスワーカーの起動
	maintenanceManager, err := setupMaintenance(cfg, registry, todoStore)
	if err != nil {
		log.Fatalf("Failed to set up maintenance worker: %v", err)
	}
	if err := maintenanceManager.Start(); err != nil {
		log.Fatalf("Failed to start maintenance worker: %v", err)
	}
	if err := maintenanceManager.RunNow(context.Background()); err != nil {
		log.Printf("Initial prune enqueue failed: %v", err)
	}

	// サーバーの起動と graceful shutdown
	addr := ":" + cfg.Port
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("Starting API server on %s (mode: %s)", addr, cfg.GinMode)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := maintenanceManager.Shutdown(shutdownCtx); err != nil {
		log.Printf("Maintenance shutdown error: %v", err)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "todo-forge-api",
		"version": "0.1.0",
	})
}

// setupRoutes は認証まわりとTODO APIの配線を行います。
func setupRoutes(
	router *gin.Engine,
	cfg *config.Config,
	authManager *auth.Manager,
	rateGate ratelimit.Gate,
	todoStore *todo.Store,
) {
	// まずは誰でも叩けるヘルスチェックを登録
	router.GET("/health", handleHealth)

	// 未認証でも使える登録とログイン
	router.POST("/register", authManager.Register)
	router.POST("/login", authManager.Login)

	todoOpts := todo.HandlerOptions{MaxImageBytes: cfg.MaxImageBytes}

	protected := router.Group("")
	protected.Use(authManager.RequireLogin())
	{
		protected.POST("/logout", authManager.Logout)
		protected.POST("/logout_from_all_devices", authManager.LogoutAllDevices)

		// 作成だけはセッション単位のクールダウンで絞る
		protected.POST("/create-item", ratelimit.Middleware(rateGate), todo.CreateHandler(todoStore, todoOpts))
		protected.GET("/read-item", todo.ListHandler(todoStore))
		protected.GET("/download-image/:id", todo.DownloadImageHandler(todoStore))
		protected.POST("/edit-item", todo.EditHandler(todoStore))
		protected.POST("/delete-item", todo.DeleteHandler(todoStore))
	}
}
