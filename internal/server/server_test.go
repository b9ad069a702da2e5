package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"mihari/internal/capture"
	"mihari/internal/config"
)

// テスト用の設定を作成する
func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Host:         "127.0.0.1",
			Port:         8081,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		},
		Capture: config.CaptureConfig{
			Backend:      "mock",
			ChannelDepth: 1,
		},
		Log: config.LogConfig{Level: "error", Format: "text"},
	}
}

// テスト用のサーバーを作成する（モックバックエンド）
func testServer(t *testing.T) *Server {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	engine := capture.NewEngineWithBackend(capture.NewMockBackend(), capture.EngineOptions{ChannelDepth: 1}, log)
	return New(testConfig(), engine, log)
}

// doRequest はテストサーバーにリクエストを送る
func doRequest(t *testing.T, srv *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

// TestServerStartAndShutdown はサーバーの起動とシャットダウンをテストする
func TestServerStartAndShutdown(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Port = 18081

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	engine := capture.NewEngineWithBackend(capture.NewMockBackend(), capture.EngineOptions{}, log)
	srv := New(cfg, engine, log)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	// サーバーが起動するまで少し待つ
	time.Sleep(100 * time.Millisecond)

	// コンテキストをキャンセルしてサーバーを停止
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("サーバーの起動/停止でエラーが発生しました: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("サーバーの停止がタイムアウトしました")
	}
}

// TestHealthEndpoint はヘルスチェックをテストする
func TestHealthEndpoint(t *testing.T) {
	srv := testServer(t)

	w := doRequest(t, srv, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("予期しないステータスコード: got %d, want %d", w.Code, http.StatusOK)
	}

	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("レスポンスの解析に失敗しました: %v", err)
	}
	if resp.Status != "healthy" {
		t.Errorf("ステータスが一致しません: got %s", resp.Status)
	}
}

// TestStatusEndpoint はシステム状態取得をテストする
func TestStatusEndpoint(t *testing.T) {
	srv := testServer(t)

	w := doRequest(t, srv, http.MethodGet, "/api/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("予期しないステータスコード: got %d, want %d", w.Code, http.StatusOK)
	}

	var resp StatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("レスポンスの解析に失敗しました: %v", err)
	}
	if resp.Backend != "mock" {
		t.Errorf("バックエンドが一致しません: got %s", resp.Backend)
	}
	if resp.Devices != 1 {
		t.Errorf("デバイス数が一致しません: got %d", resp.Devices)
	}
}

// TestDevicesEndpoint はデバイス一覧取得をテストする
func TestDevicesEndpoint(t *testing.T) {
	srv := testServer(t)

	w := doRequest(t, srv, http.MethodGet, "/api/devices", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("予期しないステータスコード: got %d, want %d", w.Code, http.StatusOK)
	}

	var resp DevicesResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("レスポンスの解析に失敗しました: %v", err)
	}

	if len(resp.Devices) != 1 {
		t.Fatalf("デバイス数が一致しません: got %d", len(resp.Devices))
	}
	d := resp.Devices[0]
	if d.ID != "mock-0" {
		t.Errorf("デバイスIDが一致しません: got %s", d.ID)
	}
	if len(d.Formats) == 0 {
		t.Error("フォーマット一覧が空です")
	}
	if len(d.Controls) == 0 {
		t.Error("コントロール一覧が空です")
	}
}

// TestDeviceEndpointNotFound は存在しないデバイスの扱いをテストする
func TestDeviceEndpointNotFound(t *testing.T) {
	srv := testServer(t)

	w := doRequest(t, srv, http.MethodGet, "/api/devices/mock-99", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("予期しないステータスコード: got %d, want %d", w.Code, http.StatusNotFound)
	}

	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("レスポンスの解析に失敗しました: %v", err)
	}
	if resp.Error != "device_not_found" {
		t.Errorf("エラーコードが一致しません: got %s", resp.Error)
	}
}

// TestSnapshotEndpoint はスナップショット取得をテストする
func TestSnapshotEndpoint(t *testing.T) {
	srv := testServer(t)

	w := doRequest(t, srv, http.MethodGet, "/api/devices/mock-0/snapshot", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("予期しないステータスコード: got %d, want %d (body: %s)", w.Code, http.StatusOK, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("Content-Typeが一致しません: got %s", ct)
	}

	// JPEGのSOIマーカーで始まること
	body := w.Body.Bytes()
	if len(body) < 2 || body[0] != 0xff || body[1] != 0xd8 {
		t.Error("レスポンスがJPEGではありません")
	}
}

// TestSnapshotEndpointResize はリサイズ付きスナップショットをテストする
func TestSnapshotEndpointResize(t *testing.T) {
	srv := testServer(t)

	w := doRequest(t, srv, http.MethodGet, "/api/devices/mock-0/snapshot?resize=160", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("予期しないステータスコード: got %d (body: %s)", w.Code, w.Body.String())
	}

	// 不正なresizeは拒否される
	w = doRequest(t, srv, http.MethodGet, "/api/devices/mock-0/snapshot?resize=zero", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("予期しないステータスコード: got %d, want %d", w.Code, http.StatusBadRequest)
	}
}

// TestSnapshotEndpointNoMatchingFormat は交渉不成立の扱いをテストする
func TestSnapshotEndpointNoMatchingFormat(t *testing.T) {
	srv := testServer(t)

	// モックデバイスはNV12をサポートしない
	w := doRequest(t, srv, http.MethodGet, "/api/devices/mock-0/snapshot?pixel_format=NV12", nil)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("予期しないステータスコード: got %d, want %d", w.Code, http.StatusUnprocessableEntity)
	}

	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("レスポンスの解析に失敗しました: %v", err)
	}
	if resp.Error != "no_matching_format" {
		t.Errorf("エラーコードが一致しません: got %s", resp.Error)
	}
}

// TestControlEndpoints はコントロールの取得・設定をテストする
func TestControlEndpoints(t *testing.T) {
	srv := testServer(t)

	// 取得
	w := doRequest(t, srv, http.MethodGet, "/api/devices/mock-0/controls/brightness", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("予期しないステータスコード: got %d (body: %s)", w.Code, w.Body.String())
	}

	var ctrl ControlInfo
	if err := json.Unmarshal(w.Body.Bytes(), &ctrl); err != nil {
		t.Fatalf("レスポンスの解析に失敗しました: %v", err)
	}
	if ctrl.Value != 128 || ctrl.Max != 255 {
		t.Errorf("コントロール値が一致しません: %+v", ctrl)
	}

	// 設定
	body, _ := json.Marshal(SetControlRequest{Value: 200})
	w = doRequest(t, srv, http.MethodPut, "/api/devices/mock-0/controls/brightness", body)
	if w.Code != http.StatusOK {
		t.Fatalf("予期しないステータスコード: got %d (body: %s)", w.Code, w.Body.String())
	}
	if err := json.Unmarshal(w.Body.Bytes(), &ctrl); err != nil {
		t.Fatalf("レスポンスの解析に失敗しました: %v", err)
	}
	if ctrl.Value != 200 {
		t.Errorf("設定後の値が一致しません: got %d, want 200", ctrl.Value)
	}

	// 範囲外の値
	body, _ = json.Marshal(SetControlRequest{Value: 999})
	w = doRequest(t, srv, http.MethodPut, "/api/devices/mock-0/controls/brightness", body)
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("予期しないステータスコード: got %d, want %d", w.Code, http.StatusUnprocessableEntity)
	}

	// サポートされないコントロール
	w = doRequest(t, srv, http.MethodGet, "/api/devices/mock-0/controls/zoom", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("予期しないステータスコード: got %d, want %d", w.Code, http.StatusNotFound)
	}
}
