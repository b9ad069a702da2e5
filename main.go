package main

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"

	"mihari/internal/capture"
	"mihari/internal/config"
	"mihari/internal/server"
)

func main() {
	// 設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	// ロガーを設定する
	log := newLogger(cfg)

	// キャプチャエンジンを作成
	engine, err := capture.NewEngine(capture.EngineOptions{
		Backend:      capture.BackendType(cfg.Capture.Backend),
		ChannelDepth: cfg.Capture.ChannelDepth,
	}, log)
	if err != nil {
		log.Fatalf("キャプチャエンジンの初期化に失敗しました: %v", err)
	}

	// サーバーを作成
	srv := server.New(cfg, engine, log)

	// コンテキストを作成
	ctx := context.Background()

	// サーバーを起動
	if err := srv.Start(ctx); err != nil {
		log.Errorf("サーバーの起動に失敗しました: %v", err)
		os.Exit(1)
	}
}

// newLogger は設定に従ってロガーを組み立てる
func newLogger(cfg *config.Config) *logrus.Logger {
	log := logrus.New()

	level, err := logrus.ParseLevel(cfg.Log.LogLevel())
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if cfg.Log.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	return log
}
