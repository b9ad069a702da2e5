// Package main はMihariサーバーコマンドの実装です
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"mihari/internal/capture"
	"mihari/internal/config"
	"mihari/internal/server"
)

func main() {
	// コマンドラインオプション
	var (
		host    = flag.String("host", "", "サーバーのホスト (デフォルト: 0.0.0.0)")
		port    = flag.Int("port", 0, "サーバーのポート (デフォルト: 8080)")
		backend = flag.String("backend", "", "キャプチャバックエンド (auto/v4l2/gstreamer/mock)")
		help    = flag.Bool("help", false, "ヘルプを表示")
	)

	flag.Parse()

	// ヘルプ表示
	if *help {
		fmt.Println("Mihari")
		fmt.Println()
		fmt.Println("使用方法:")
		fmt.Println("  server [オプション]")
		fmt.Println()
		fmt.Println("オプション:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	// 設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	// コマンドラインオプションで設定を上書き
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *backend != "" {
		cfg.Capture.Backend = *backend
	}
	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("設定の検証に失敗しました: %v", err)
	}

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

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
	log.Infof("Mihari サーバーを起動します: %s", cfg.ServerAddress())
	if err := srv.Start(ctx); err != nil {
		log.Fatalf("サーバーの起動に失敗しました: %v", err)
	}
}
