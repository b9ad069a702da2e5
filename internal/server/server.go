package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"mihari/internal/capture"
	"mihari/internal/config"
)

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config     *config.Config
	engine     *capture.Engine
	httpServer *http.Server
	router     *gin.Engine
	log        *logrus.Logger
}

// New は新しいServerインスタンスを作成する
func New(cfg *config.Config, engine *capture.Engine, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		config: cfg,
		engine: engine,
		router: router,
		log:    log,
		httpServer: &http.Server{
			Addr:         cfg.ServerAddress(),
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
	}

	s.setupRoutes()
	return s
}

// setupRoutes はHTTPルートを設定する
func (s *Server) setupRoutes() {
	h := &Handler{
		config:  s.config,
		engine:  s.engine,
		timeout: 5 * time.Second,
		log:     s.log,
	}

	// ヘルスチェックエンドポイント
	s.router.GET("/health", h.HealthCheck)

	// APIエンドポイント
	api := s.router.Group("/api")
	{
		api.GET("/status", h.GetStatus)
		api.GET("/devices", h.GetDevices)
		api.GET("/devices/:id", h.GetDevice)
		api.GET("/devices/:id/stream", h.GetDeviceStream)
		api.GET("/devices/:id/snapshot", h.GetDeviceSnapshot)
		api.GET("/devices/:id/controls/:key", h.GetDeviceControl)
		api.PUT("/devices/:id/controls/:key", h.SetDeviceControl)
	}
}

// Router はテスト用にルーターを公開する
func (s *Server) Router() http.Handler {
	return s.router
}

// Start はサーバーを起動する
func (s *Server) Start(ctx context.Context) error {
	// シャットダウン用のチャンネル
	shutdownCh := make(chan error, 1)

	// サーバーを別ゴルーチンで起動
	go func() {
		s.log.Infof("HTTPサーバーを起動しています: %s", s.config.ServerAddress())
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			shutdownCh <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
	}()

	// シグナルハンドリング
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// コンテキストかシグナルを待つ
	select {
	case <-ctx.Done():
		s.log.Info("コンテキストがキャンセルされました")
	case sig := <-sigCh:
		s.log.Infof("シグナルを受信しました: %v", sig)
	case err := <-shutdownCh:
		return err
	}

	// グレースフルシャットダウン
	return s.Shutdown()
}

// Shutdown はサーバーをグレースフルにシャットダウンする
func (s *Server) Shutdown() error {
	s.log.Info("サーバーをシャットダウンしています...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("サーバーのシャットダウンに失敗: %w", err)
	}

	s.log.Info("サーバーが正常にシャットダウンされました")
	return nil
}
