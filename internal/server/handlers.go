package server

import (
	"bytes"
	"errors"
	"image/jpeg"
	"net/http"
	"strconv"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"mihari/internal/capture"
	"mihari/internal/config"
	"mihari/internal/format"
)

// Handler はAPIエンドポイントの実装を持つ
type Handler struct {
	config  *config.Config
	engine  *capture.Engine
	timeout time.Duration // フレーム待ちの上限
	log     *logrus.Logger
}

// HealthResponse はヘルスチェックのレスポンス
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusResponse はシステム状態のレスポンス
type StatusResponse struct {
	Status    string     `json:"status"`
	Backend   string     `json:"backend"`
	Server    ServerInfo `json:"server"`
	Devices   int        `json:"devices"`
	Timestamp time.Time  `json:"timestamp"`
}

// ServerInfo はサーバーの待ち受け情報
type ServerInfo struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// FormatInfo は対応フォーマットのレスポンス表現
type FormatInfo struct {
	Width       uint32  `json:"width"`
	Height      uint32  `json:"height"`
	FrameRate   float64 `json:"frame_rate"`
	PixelFormat string  `json:"pixel_format"`
}

// ControlInfo はコントロールのレスポンス表現
type ControlInfo struct {
	Key     string `json:"key"`
	Min     int32  `json:"min"`
	Max     int32  `json:"max"`
	Step    int32  `json:"step"`
	Default int32  `json:"default"`
	Value   int32  `json:"value"`
}

// DeviceInfo はデバイスのレスポンス表現
// Controls は利用可能なコントロール種別の一覧で、範囲と現在値は
// コントロールエンドポイントで取得する
type DeviceInfo struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	Backend  string       `json:"backend"`
	Formats  []FormatInfo `json:"formats"`
	Controls []string     `json:"controls"`
}

// DevicesResponse はデバイス一覧のレスポンス
type DevicesResponse struct {
	Devices []DeviceInfo `json:"devices"`
}

// ErrorResponse はエラーのレスポンス
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// SetControlRequest はコントロール設定のリクエストボディ
type SetControlRequest struct {
	Value int32 `json:"value"`
}

// HealthCheck はヘルスチェックエンドポイントの実装
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
	})
}

// GetStatus はシステム状態取得エンドポイントの実装
func (h *Handler) GetStatus(c *gin.Context) {
	devices, err := h.engine.Devices(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, StatusResponse{
		Status:  "running",
		Backend: string(h.engine.Backend()),
		Server: ServerInfo{
			Host: h.config.Server.Host,
			Port: h.config.Server.Port,
		},
		Devices:   len(devices),
		Timestamp: time.Now(),
	})
}

// GetDevices はデバイス一覧取得エンドポイントの実装
func (h *Handler) GetDevices(c *gin.Context) {
	devices, err := h.engine.Devices(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}

	infos := make([]DeviceInfo, 0, len(devices))
	for _, desc := range devices {
		infos = append(infos, toDeviceInfo(desc))
	}

	c.JSON(http.StatusOK, DevicesResponse{Devices: infos})
}

// GetDevice は単一デバイス取得エンドポイントの実装
func (h *Handler) GetDevice(c *gin.Context) {
	desc, err := h.engine.Device(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, toDeviceInfo(desc))
}

// GetDeviceStream はMJPEGストリーミングエンドポイントの実装
// クエリパラメータwidth/height/fps/pixel_formatでフォーマットを指定できる
func (h *Handler) GetDeviceStream(c *gin.Context) {
	session, err := h.openSession(c)
	if err != nil {
		h.writeError(c, err)
		return
	}
	defer session.Close()

	if err := session.Start(c.Request.Context()); err != nil {
		h.writeError(c, err)
		return
	}

	h.streamMJPEG(c, session)
}

// GetDeviceSnapshot は静止画取得エンドポイントの実装
// クエリパラメータresizeで出力幅を指定すると縮小して返す
func (h *Handler) GetDeviceSnapshot(c *gin.Context) {
	session, err := h.openSession(c)
	if err != nil {
		h.writeError(c, err)
		return
	}
	defer session.Close()

	if err := session.Start(c.Request.Context()); err != nil {
		h.writeError(c, err)
		return
	}

	decoded, err := session.NextFrame(h.timeout)
	if err != nil {
		h.writeError(c, err)
		return
	}

	img := decoded.Image()

	// 出力幅の指定があれば縦横比を保って縮小する
	if resize := c.Query("resize"); resize != "" {
		width, err := strconv.Atoi(resize)
		if err != nil || width < 1 {
			h.writeBadRequest(c, "不正なresizeパラメータです")
			return
		}
		resized := imaging.Resize(img, width, 0, imaging.Lanczos)

		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, resized, nil); err != nil {
			h.writeError(c, err)
			return
		}
		c.Data(http.StatusOK, "image/jpeg", buf.Bytes())
		return
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		h.writeError(c, err)
		return
	}
	c.Data(http.StatusOK, "image/jpeg", buf.Bytes())
}

// GetDeviceControl はコントロール取得エンドポイントの実装
func (h *Handler) GetDeviceControl(c *gin.Context) {
	key := capture.ControlKey(c.Param("key"))

	session, err := h.openSession(c)
	if err != nil {
		h.writeError(c, err)
		return
	}
	defer session.Close()

	control, err := session.GetControl(c.Request.Context(), key)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, toControlInfo(key, control))
}

// SetDeviceControl はコントロール設定エンドポイントの実装
func (h *Handler) SetDeviceControl(c *gin.Context) {
	key := capture.ControlKey(c.Param("key"))

	var req SetControlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeBadRequest(c, "不正なリクエストボディです")
		return
	}

	session, err := h.openSession(c)
	if err != nil {
		h.writeError(c, err)
		return
	}
	defer session.Close()

	if err := session.SetControl(c.Request.Context(), key, req.Value); err != nil {
		h.writeError(c, err)
		return
	}

	control, err := session.GetControl(c.Request.Context(), key)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, toControlInfo(key, control))
}

// openSession はパスのデバイスIDとクエリの制約からセッションをオープンする
func (h *Handler) openSession(c *gin.Context) (*capture.Session, error) {
	constraint, err := h.parseConstraint(c)
	if err != nil {
		return nil, err
	}
	return h.engine.Open(c.Request.Context(), c.Param("id"), constraint)
}

// parseConstraint はクエリパラメータからフォーマット制約を組み立てる
// 指定がなければ設定のデフォルト制約を使う
func (h *Handler) parseConstraint(c *gin.Context) (format.Constraint, error) {
	widthStr := c.Query("width")
	heightStr := c.Query("height")
	fpsStr := c.Query("fps")
	pfStr := c.Query("pixel_format")

	if widthStr == "" && heightStr == "" && fpsStr == "" && pfStr == "" {
		return h.config.Capture.DefaultConstraint(), nil
	}

	var constraint format.Constraint

	if widthStr != "" || heightStr != "" {
		width, err := strconv.ParseUint(widthStr, 10, 32)
		if err != nil {
			return constraint, errBadParam
		}
		height, err := strconv.ParseUint(heightStr, 10, 32)
		if err != nil {
			return constraint, errBadParam
		}
		constraint = constraint.WithResolution(uint32(width), uint32(height))
	}

	if fpsStr != "" {
		fps, err := strconv.ParseUint(fpsStr, 10, 32)
		if err != nil || fps == 0 {
			return constraint, errBadParam
		}
		constraint = constraint.WithFrameRate(uint32(fps))
	}

	if pfStr != "" {
		if len(pfStr) != 4 {
			return constraint, errBadParam
		}
		constraint = constraint.WithPixelFormat(format.PixelFormatFromFourCC(pfStr))
	}

	return constraint, nil
}

// streamMJPEG はMJPEGストリームを配信する
func (h *Handler) streamMJPEG(c *gin.Context, session *capture.Session) {
	// レスポンスヘッダーを設定
	c.Header("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Access-Control-Allow-Origin", "*")

	writer := c.Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	// クライアント切断を検知するためのコンテキスト
	clientGone := c.Request.Context().Done()

	var buf bytes.Buffer

	// ストリーミングループ
	for {
		select {
		case <-clientGone:
			// クライアントが切断された
			return
		default:
		}

		decoded, err := session.NextFrame(h.timeout)
		if err != nil {
			if errors.Is(err, capture.ErrNoFrame) {
				continue
			}
			// 致命的な障害やクローズでストリームを終了する
			h.log.WithError(err).Warn("ストリーミングを終了します")
			return
		}

		buf.Reset()
		if err := jpeg.Encode(&buf, decoded.Image(), nil); err != nil {
			h.log.WithError(err).Warn("フレームのエンコードに失敗しました")
			continue
		}

		// MJPEGフレームを書き込み
		if _, err := writer.Write([]byte("--frame\r\n")); err != nil {
			return
		}
		if _, err := writer.Write([]byte("Content-Type: image/jpeg\r\n\r\n")); err != nil {
			return
		}
		if _, err := writer.Write(buf.Bytes()); err != nil {
			return
		}
		if _, err := writer.Write([]byte("\r\n")); err != nil {
			return
		}

		// バッファをフラッシュ
		flusher.Flush()
	}
}

// errBadParam は不正なクエリパラメータを表す
var errBadParam = errors.New("不正なパラメータです")

// writeError はエラーをHTTPステータスに対応づけて返す
func (h *Handler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"

	switch {
	case errors.Is(err, capture.ErrDeviceNotFound):
		status, code = http.StatusNotFound, "device_not_found"
	case errors.Is(err, capture.ErrDeviceBusy):
		status, code = http.StatusConflict, "device_busy"
	case errors.Is(err, format.ErrNoMatchingFormat):
		status, code = http.StatusUnprocessableEntity, "no_matching_format"
	case errors.Is(err, capture.ErrFormatUnsupported):
		status, code = http.StatusUnprocessableEntity, "format_unsupported"
	case errors.Is(err, capture.ErrControlUnsupported):
		status, code = http.StatusNotFound, "control_unsupported"
	case errors.Is(err, capture.ErrControlOutOfRange):
		status, code = http.StatusUnprocessableEntity, "control_out_of_range"
	case errors.Is(err, capture.ErrBackendUnavailable):
		status, code = http.StatusServiceUnavailable, "backend_unavailable"
	case errors.Is(err, capture.ErrNoFrame), errors.Is(err, capture.ErrStreamTimeout):
		status, code = http.StatusServiceUnavailable, "no_frame"
	case errors.Is(err, errBadParam):
		status, code = http.StatusBadRequest, "bad_request"
	}

	c.JSON(status, ErrorResponse{
		Error:     code,
		Message:   err.Error(),
		Timestamp: time.Now(),
	})
}

// writeBadRequest は400エラーを返す
func (h *Handler) writeBadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error:     "bad_request",
		Message:   message,
		Timestamp: time.Now(),
	})
}

// toDeviceInfo はデバイス記述をレスポンス表現に変換する
func toDeviceInfo(desc capture.DeviceDescriptor) DeviceInfo {
	formats := make([]FormatInfo, 0, len(desc.Formats))
	for _, f := range desc.Formats {
		formats = append(formats, FormatInfo{
			Width:       f.Resolution.Width,
			Height:      f.Resolution.Height,
			FrameRate:   f.FrameRate.PerSecond(),
			PixelFormat: f.PixelFormat.String(),
		})
	}

	controls := make([]string, 0, len(desc.Controls))
	for _, key := range desc.Controls {
		controls = append(controls, string(key))
	}

	return DeviceInfo{
		ID:       desc.ID,
		Name:     desc.Name,
		Backend:  string(desc.Backend),
		Formats:  formats,
		Controls: controls,
	}
}

// toControlInfo はコントロールをレスポンス表現に変換する
func toControlInfo(key capture.ControlKey, control capture.Control) ControlInfo {
	return ControlInfo{
		Key:     string(key),
		Min:     control.Min,
		Max:     control.Max,
		Step:    control.Step,
		Default: control.Default,
		Value:   control.Value,
	}
}
