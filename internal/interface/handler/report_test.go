package handler

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgerrest/internal/domain"
	"ledgerrest/internal/interface/connection"
	"ledgerrest/internal/interface/repository/access"
	"ledgerrest/internal/interface/repository/metrics"
	"ledgerrest/internal/testutil"
)

// inlineDispatcher は呼び出し元のゴルーチンでそのまま実行する.
type inlineDispatcher struct {
	err error
}

func (d inlineDispatcher) Dispatch(_ context.Context, fn func() domain.Response) (domain.Response, error) {
	if d.err != nil {
		return domain.Response{}, d.err
	}
	return fn(), nil
}

// deferredDispatcher は呼び出し元を待たせずに返し、fn を後で実行できるよう保持する.
type deferredDispatcher struct {
	fn func() domain.Response
}

func (d *deferredDispatcher) Dispatch(ctx context.Context, fn func() domain.Response) (domain.Response, error) {
	d.fn = fn
	return domain.Response{}, ctx.Err()
}

type recordingResponder struct {
	mu       sync.Mutex
	requests []domain.Request
	resp     domain.Response
}

func (r *recordingResponder) Respond(req domain.Request) domain.Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	return r.resp
}

func newReportHandler(config ReportConfig) (*ReportHandler, *recordingResponder, *metrics.Repository) {
	responder := &recordingResponder{
		resp: domain.NewResponse(http.StatusOK, []byte(`["Assets"]`), map[string]string{"Content-Type": "application/json"}),
	}
	m := metrics.New("")
	config.Responder = responder
	config.Metrics = m
	if config.Logger == nil {
		config.Logger = testutil.NewRecordingLogger()
	}
	if config.Dispatcher == nil {
		config.Dispatcher = inlineDispatcher{}
	}
	return NewReportHandler(config), responder, m
}

func TestReportHandlerBuildsRequest(t *testing.T) {
	h, responder, m := newReportHandler(ReportConfig{})

	req := httptest.NewRequest(http.MethodPost, "/ledger_rest/report/register?args=-M&query=food&query=drink", strings.NewReader(`[{"query":["x"]}]`))
	req.Header.Set("X-Trace", "abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `["Assets"]`, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	_, err := uuid.Parse(rec.Header().Get("X-Request-Id"))
	assert.NoError(t, err)

	require.Len(t, responder.requests, 1)
	got := responder.requests[0]
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "/ledger_rest/report/register", got.Path)
	assert.Equal(t, `[{"query":["x"]}]`, string(got.Body))
	assert.Equal(t, "abc", got.Headers["X-Trace"])
	assert.Equal(t, []domain.QueryArg{
		{Key: "args", Value: "-M"},
		{Key: "query", Value: "food"},
		{Key: "query", Value: "drink"},
	}, got.Args)

	snap := m.GetSnapshot()
	assert.Equal(t, int64(1), snap.TotalRequests)
	assert.Equal(t, int64(len(`["Assets"]`)), snap.BytesTransferred)
}

func TestReportHandlerAdvancesConnectionState(t *testing.T) {
	table := connection.NewTable()
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	st := table.Open(server)

	h, _, _ := newReportHandler(ReportConfig{Table: table})
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/accounts", nil)
		req = req.WithContext(connection.WithID(req.Context(), st.ID))
		h.ServeHTTP(httptest.NewRecorder(), req)
	}

	assert.Equal(t, connection.Completed, st.Phase())
	assert.Equal(t, 2, st.Served())
}

func TestReportHandlerUnauthorized(t *testing.T) {
	gate := access.New(access.Config{
		Users:   map[string]string{"alice": "pw"},
		Logger:  testutil.NewRecordingLogger(),
		Metrics: metrics.New(""),
	})
	h, responder, _ := newReportHandler(ReportConfig{Access: gate})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/accounts", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, `Basic realm="ledger-rest"`, rec.Header().Get("WWW-Authenticate"))
	assert.Equal(t, "<html><body>Unauthorized</body></html>", rec.Body.String())
	assert.Empty(t, responder.requests)

	req := httptest.NewRequest(http.MethodGet, "/accounts", nil)
	req.SetBasicAuth("alice", "pw")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, responder.requests, 1)
}

func TestReportHandlerBodyTooLarge(t *testing.T) {
	h, responder, m := newReportHandler(ReportConfig{MaxBodySize: 8})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/report/register", strings.NewReader(`[{"query":["long"]}]`)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Empty(t, responder.requests)
	assert.Equal(t, int64(1), m.GetSnapshot().Errors)
}

func TestReportHandlerDispatchFailure(t *testing.T) {
	h, responder, _ := newReportHandler(ReportConfig{Dispatcher: inlineDispatcher{err: errors.New("daemon closed")}})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/accounts", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Empty(t, responder.requests)
}

func TestReportHandlerSkipsAbandonedRequest(t *testing.T) {
	logger := testutil.NewRecordingLogger()
	dispatcher := &deferredDispatcher{}
	h, responder, _ := newReportHandler(ReportConfig{Dispatcher: dispatcher, Logger: logger})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/accounts", nil).WithContext(ctx))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	// ループが後から取り出した場合
	require.NotNil(t, dispatcher.fn)
	resp := dispatcher.fn()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Empty(t, responder.requests)
	assert.Empty(t, logger.Find("Connection state out of order"))
}
