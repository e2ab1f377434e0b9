package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"

	"ledgerrest/internal/domain"
	"ledgerrest/internal/interface/connection"
	"ledgerrest/internal/interface/parser"
)

const (
	unauthorizedPage   = "<html><body>Unauthorized</body></html>"
	defaultMaxBodySize = 1 << 20
	bodyChunkSize      = 4096
)

// Dispatcher は関数をイベントループのスレッドで実行する.
type Dispatcher interface {
	Dispatch(ctx context.Context, fn func() domain.Response) (domain.Response, error)
}

// ReportConfig はReportHandlerの設定
type ReportConfig struct {
	Table       *connection.Table
	Access      domain.AccessController // nil なら認証しない
	Responder   domain.Responder
	Dispatcher  Dispatcher
	Logger      domain.Logger
	Metrics     domain.MetricsCollector
	MaxBodySize int64
}

// ReportHandler はレポートAPIのHTTPリクエストを処理する.
// 接続ごとの状態を進めながら、認証、ボディの受信、レスポンスの計算を行う.
type ReportHandler struct {
	table       *connection.Table
	access      domain.AccessController
	responder   domain.Responder
	dispatcher  Dispatcher
	logger      domain.Logger
	metrics     domain.MetricsCollector
	maxBodySize int64
}

// NewReportHandler は新しいReportHandlerインスタンスを作成
func NewReportHandler(config ReportConfig) *ReportHandler {
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = defaultMaxBodySize
	}
	return &ReportHandler{
		table:       config.Table,
		access:      config.Access,
		responder:   config.Responder,
		dispatcher:  config.Dispatcher,
		logger:      config.Logger,
		metrics:     config.Metrics,
		maxBodySize: config.MaxBodySize,
	}
}

func (h *ReportHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.metrics.RecordRequest()
	requestID := uuid.NewString()
	w.Header().Set("X-Request-Id", requestID)

	st := h.state(r)
	if err := st.Begin(); err != nil {
		h.logger.Error("Connection state out of order", err, map[string]interface{}{
			"connection": st.ID,
		})
		st = connection.NewState(uuid.NewString(), r.RemoteAddr)
		_ = st.Begin()
	}
	defer st.Complete()

	if h.access != nil && h.access.Enabled() {
		if f := h.access.Check(domain.CredentialsFromRequest(r)); f != nil {
			h.unauthorized(w, f)
			return
		}
	}

	if status, err := h.readBody(w, r, st); err != nil {
		h.logger.Warn("Failed to read request body", map[string]interface{}{
			"connection": st.ID,
			"request":    requestID,
			"error":      err.Error(),
		})
		h.metrics.RecordError()
		w.WriteHeader(status)
		return
	}

	method, path := r.Method, r.URL.Path
	headers := flattenHeaders(r)
	args := parser.ParseQuery(r.URL.RawQuery)

	ctx := r.Context()
	resp, err := h.dispatcher.Dispatch(ctx, func() domain.Response {
		// 待っている間にクライアントが去っていれば何もしない
		if ctx.Err() != nil {
			return domain.NewResponse(http.StatusServiceUnavailable, nil, nil)
		}
		resp, err := st.Respond(func(body []byte) domain.Response {
			return h.responder.Respond(domain.NewRequest(method, path, headers, args, body))
		})
		if err != nil {
			h.logger.Error("Connection state out of order", err, map[string]interface{}{
				"connection": st.ID,
			})
			return domain.NewResponse(http.StatusBadRequest, nil, nil)
		}
		return resp
	})
	if err != nil {
		h.logger.Warn("Request abandoned", map[string]interface{}{
			"connection": st.ID,
			"request":    requestID,
			"method":     method,
			"path":       path,
			"error":      err.Error(),
		})
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	h.write(w, resp)
}

func (h *ReportHandler) state(r *http.Request) *connection.State {
	if id, ok := connection.IDFrom(r.Context()); ok && h.table != nil {
		if st, ok := h.table.Get(id); ok {
			return st
		}
	}
	return connection.NewState(uuid.NewString(), r.RemoteAddr)
}

// readBody はボディを断片ごとに状態へ追加する. 失敗時は返すべきステータスを返す.
func (h *ReportHandler) readBody(w http.ResponseWriter, r *http.Request, st *connection.State) (int, error) {
	body := http.MaxBytesReader(w, r.Body, h.maxBodySize)
	buf := make([]byte, bodyChunkSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if appendErr := st.Append(buf[:n]); appendErr != nil {
				return http.StatusBadRequest, appendErr
			}
		}
		if errors.Is(err, io.EOF) {
			return 0, nil
		}
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return http.StatusRequestEntityTooLarge, err
			}
			return http.StatusBadRequest, err
		}
	}
}

func (h *ReportHandler) unauthorized(w http.ResponseWriter, f *domain.AuthFailure) {
	if f.Challenge != "" {
		w.Header().Set("WWW-Authenticate", f.Challenge)
	}
	w.Header().Set("Content-Type", "text/html")
	w.WriteHeader(http.StatusUnauthorized)
	n, _ := io.WriteString(w, unauthorizedPage)
	h.metrics.AddBytesTransferred(int64(n))
}

func (h *ReportHandler) write(w http.ResponseWriter, resp domain.Response) {
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(resp.StatusCode)
	if len(resp.Body) == 0 {
		return
	}

	n, err := w.Write(resp.Body)
	h.metrics.AddBytesTransferred(int64(n))
	if err != nil {
		h.logger.Debug("Failed to write response", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// flattenHeaders はヘッダの最初の値だけを取り出す.
func flattenHeaders(r *http.Request) map[string]string {
	headers := make(map[string]string, len(r.Header)+1)
	for k, v := range r.Header {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}
	if r.Host != "" {
		headers["Host"] = r.Host
	}
	return headers
}
