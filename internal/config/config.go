package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"mihari/internal/capture"
	"mihari/internal/format"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Capture CaptureConfig `mapstructure:"capture"`
	Log     LogConfig     `mapstructure:"log"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `mapstructure:"host"` // リッスンするホスト
	Port int    `mapstructure:"port"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`  // 読み込みタイムアウト
	WriteTimeout time.Duration `mapstructure:"write_timeout"` // 書き込みタイムアウト
}

// CaptureConfig はキャプチャエンジンの設定
type CaptureConfig struct {
	Backend      string `mapstructure:"backend"`       // 使用するバックエンド (auto/v4l2/gstreamer/mock)
	ChannelDepth int    `mapstructure:"channel_depth"` // フレームチャンネルの容量

	// フォーマット交渉のデフォルト制約。0は指定なし
	DefaultWidth  int     `mapstructure:"default_width"`  // 希望する画像幅
	DefaultHeight int     `mapstructure:"default_height"` // 希望する画像高さ
	DefaultFPS    float64 `mapstructure:"default_fps"`    // 希望するフレームレート
}

// LogConfig はログ出力の設定
type LogConfig struct {
	Level  string `mapstructure:"level"`  // ログレベル (debug/info/warn/error)
	Format string `mapstructure:"format"` // 出力形式 (text/json)
}

// Load は設定を読み込む
// デフォルト値→設定ファイル（mihari.yaml、存在すれば）→環境変数
// （MIHARI_プレフィックス）の順で上書きされる
func Load() (*Config, error) {
	v := viper.New()

	// デフォルト値
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", time.Duration(0)) // ストリーミング用にタイムアウト無効化
	v.SetDefault("capture.backend", string(capture.BackendAuto))
	v.SetDefault("capture.channel_depth", 1)
	v.SetDefault("capture.default_width", 0)
	v.SetDefault("capture.default_height", 0)
	v.SetDefault("capture.default_fps", 0)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	// 環境変数 (例: MIHARI_SERVER_PORT=9090)
	v.SetEnvPrefix("MIHARI")
	v.AutomaticEnv()
	_ = v.BindEnv("server.host", "MIHARI_SERVER_HOST")
	_ = v.BindEnv("server.port", "MIHARI_SERVER_PORT", "PORT")
	_ = v.BindEnv("capture.backend", "MIHARI_CAPTURE_BACKEND")
	_ = v.BindEnv("capture.channel_depth", "MIHARI_CAPTURE_CHANNEL_DEPTH")
	_ = v.BindEnv("log.level", "MIHARI_LOG_LEVEL")
	_ = v.BindEnv("log.format", "MIHARI_LOG_FORMAT")

	// 設定ファイル（なければデフォルトのまま）
	v.SetConfigName("mihari")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/mihari")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("設定の展開に失敗: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return &cfg, nil
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("無効なポート番号: %d", c.Server.Port)
	}

	switch capture.BackendType(c.Capture.Backend) {
	case capture.BackendAuto, capture.BackendV4L2, capture.BackendGStreamer, capture.BackendMock:
	default:
		return fmt.Errorf("無効なバックエンド: %s", c.Capture.Backend)
	}

	if c.Capture.ChannelDepth < 1 {
		return fmt.Errorf("無効なチャンネル容量: %d", c.Capture.ChannelDepth)
	}

	if c.Capture.DefaultFPS < 0 {
		return fmt.Errorf("無効なフレームレート: %v", c.Capture.DefaultFPS)
	}

	return nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// LogLevel はログレベル文字列を解釈して返す
// 解釈できない場合はinfoにフォールバックする
func (c *LogConfig) LogLevel() string {
	switch c.Level {
	case "debug", "info", "warn", "error":
		return c.Level
	}
	return "info"
}

// DefaultConstraint は設定からフォーマット交渉の制約を組み立てる
// 何も指定されていなければ空の制約を返す
func (c *CaptureConfig) DefaultConstraint() format.Constraint {
	var constraint format.Constraint
	if c.DefaultWidth > 0 && c.DefaultHeight > 0 {
		constraint = constraint.WithResolution(uint32(c.DefaultWidth), uint32(c.DefaultHeight))
	}
	if c.DefaultFPS > 0 {
		constraint = constraint.WithFrameRate(uint32(c.DefaultFPS))
	}
	return constraint
}
