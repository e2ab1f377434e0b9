package daemon

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgerrest/internal/domain"
	"ledgerrest/internal/interface/repository/access"
	"ledgerrest/internal/interface/repository/metrics"
	"ledgerrest/internal/interface/runner"
	"ledgerrest/internal/testutil"
)

type harness struct {
	daemon  *Daemon
	loop    *runner.Runner
	metrics *metrics.Repository
	started bool
	done    chan error
}

func echoResponder(calls *atomic.Int32) domain.Responder {
	return domain.ResponderFunc(func(req domain.Request) domain.Response {
		calls.Add(1)
		body := req.Method + " " + req.Path + " " + string(req.Body)
		return domain.NewResponse(http.StatusOK, []byte(body), map[string]string{"Content-Type": "text/plain"})
	})
}

func newDaemon(t *testing.T, config Config) *harness {
	t.Helper()
	logger := testutil.NewRecordingLogger()
	m := metrics.New("")
	config.Address = "127.0.0.1"
	config.Port = 0
	config.Logger = logger
	config.Metrics = m

	d, err := New(config)
	require.NoError(t, err)

	loop, err := runner.New(logger, d)
	require.NoError(t, err)

	h := &harness{daemon: d, loop: loop, metrics: m, done: make(chan error, 1)}
	t.Cleanup(func() {
		h.stop(t)
		d.Close()
		loop.Close()
	})
	return h
}

func (h *harness) start() {
	h.started = true
	go func() { h.done <- h.loop.Run() }()
}

func (h *harness) stop(t *testing.T) {
	if !h.started || !h.loop.Running() {
		return
	}
	h.loop.Stop()
	select {
	case err := <-h.done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Error("runner did not stop")
	}
}

func (h *harness) url(path string) string {
	return "http://" + h.daemon.Addr().String() + path
}

func readAll(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(data)
}

func TestDaemonServesThroughRunner(t *testing.T) {
	var calls atomic.Int32
	h := newDaemon(t, Config{Responder: echoResponder(&calls)})

	type result struct {
		resp *http.Response
		err  error
	}
	results := make(chan result, 1)
	go func() {
		resp, err := http.Post(h.url("/report/register"), "application/json", strings.NewReader(`[{"query":["food"]}]`))
		results <- result{resp, err}
	}()

	// ループが回るまでレスポンスは計算されない
	select {
	case <-results:
		t.Fatal("request answered before the runner started")
	case <-time.After(200 * time.Millisecond):
	}
	assert.Zero(t, calls.Load())

	h.start()
	var r result
	select {
	case r = <-results:
	case <-time.After(5 * time.Second):
		t.Fatal("request was not answered")
	}
	require.NoError(t, r.err)
	assert.Equal(t, http.StatusOK, r.resp.StatusCode)
	assert.Equal(t, `POST /report/register [{"query":["food"]}]`, readAll(t, r.resp))
	assert.Equal(t, int32(1), calls.Load())
}

func TestDaemonKeepAlive(t *testing.T) {
	var calls atomic.Int32
	h := newDaemon(t, Config{Responder: echoResponder(&calls)})
	h.start()

	client := &http.Client{Transport: &http.Transport{MaxConnsPerHost: 1}}
	defer client.CloseIdleConnections()

	for _, path := range []string{"/a", "/b", "/c"} {
		resp, err := client.Get(h.url(path))
		require.NoError(t, err)
		assert.Equal(t, "GET "+path+" ", readAll(t, resp))
	}

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 1, h.daemon.Connections())
	assert.Equal(t, int64(1), h.metrics.GetSnapshot().CurrentConnections)

	client.CloseIdleConnections()
	assert.Eventually(t, func() bool { return h.daemon.Connections() == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, h.metrics.GetSnapshot().CurrentConnections)
}

func TestDaemonBasicAuth(t *testing.T) {
	var calls atomic.Int32
	gate := access.New(access.Config{
		Users:   map[string]string{"alice": "wonderland"},
		Logger:  testutil.NewRecordingLogger(),
		Metrics: metrics.New(""),
	})
	h := newDaemon(t, Config{Responder: echoResponder(&calls), Access: gate})
	h.start()

	resp, err := http.Get(h.url("/accounts"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, `Basic realm="ledger-rest"`, resp.Header.Get("WWW-Authenticate"))
	assert.Equal(t, "<html><body>Unauthorized</body></html>", readAll(t, resp))

	req, err := http.NewRequest(http.MethodGet, h.url("/accounts"), nil)
	require.NoError(t, err)
	req.SetBasicAuth("alice", "wonderland")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	readAll(t, resp)

	assert.Equal(t, int32(1), calls.Load())
}

func TestDaemonMutualTLS(t *testing.T) {
	serverCA := testutil.NewCA(t, "Server Root")
	clientCA := testutil.NewCA(t, "Client Root")
	otherCA := testutil.NewCA(t, "Other Root")

	gate := access.New(access.Config{
		ClientCAs: clientCA.Pool(),
		Logger:    testutil.NewRecordingLogger(),
		Metrics:   metrics.New(""),
	})

	var calls atomic.Int32
	h := newDaemon(t, Config{
		Responder: echoResponder(&calls),
		Access:    gate,
		TLS: &tls.Config{
			Certificates: []tls.Certificate{serverCA.ServerCert(t)},
			ClientAuth:   tls.RequestClientCert,
			MinVersion:   tls.VersionTLS12,
		},
	})
	h.start()
	url := "https://" + h.daemon.Addr().String() + "/accounts"

	clientFor := func(certs ...tls.Certificate) *http.Client {
		return &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{
			RootCAs:      serverCA.Pool(),
			Certificates: certs,
		}}}
	}

	good, goodKey := clientCA.ClientCert(t, "alice")
	resp, err := clientFor(testutil.TLSCertificate(good, goodKey)).Get(url)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "GET /accounts ", readAll(t, resp))

	resp, err = clientFor().Get(url)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("WWW-Authenticate"))
	readAll(t, resp)

	bad, badKey := otherCA.ClientCert(t, "mallory")
	resp, err = clientFor(testutil.TLSCertificate(bad, badKey)).Get(url)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	readAll(t, resp)

	assert.Equal(t, int32(1), calls.Load())
}

func TestDaemonCompressesLargeResponses(t *testing.T) {
	large := strings.Repeat(`{"account_name" : "Expenses:Food"}, `, 100)
	h := newDaemon(t, Config{Responder: domain.ResponderFunc(func(req domain.Request) domain.Response {
		if req.Path == "/small" {
			return domain.NewResponse(http.StatusOK, []byte("[]"), map[string]string{"Content-Type": "application/json"})
		}
		return domain.NewResponse(http.StatusOK, []byte(large), map[string]string{"Content-Type": "application/json"})
	})})
	h.start()

	get := func(path string) *http.Response {
		req, err := http.NewRequest(http.MethodGet, h.url(path), nil)
		require.NoError(t, err)
		req.Header.Set("Accept-Encoding", "gzip")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	resp := get("/large")
	defer resp.Body.Close()
	assert.Equal(t, "gzip", resp.Header.Get("Content-Encoding"))
	zr, err := gzip.NewReader(resp.Body)
	require.NoError(t, err)
	data, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, large, string(data))

	resp = get("/small")
	assert.Empty(t, resp.Header.Get("Content-Encoding"))
	assert.Equal(t, "[]", readAll(t, resp))
}

func TestDaemonCloseAnswersPending(t *testing.T) {
	var calls atomic.Int32
	h := newDaemon(t, Config{Responder: echoResponder(&calls)})

	results := make(chan domain.Response, 1)
	go func() {
		resp, err := h.daemon.Dispatch(context.Background(), func() domain.Response {
			return domain.NewResponse(http.StatusOK, nil, nil)
		})
		assert.NoError(t, err)
		results <- resp
	}()

	require.Eventually(t, func() bool { return h.daemon.Timeout() == 0 }, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, h.daemon.Close())
	require.NoError(t, h.daemon.Close())

	select {
	case resp := <-results:
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	case <-time.After(5 * time.Second):
		t.Fatal("pending request was not answered")
	}

	_, err := h.daemon.Dispatch(context.Background(), func() domain.Response { return domain.Response{} })
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, runner.Forever, h.daemon.Timeout())
}

func TestDaemonRecoversPanics(t *testing.T) {
	h := newDaemon(t, Config{Responder: domain.ResponderFunc(func(domain.Request) domain.Response {
		panic("boom")
	})})
	h.start()

	resp, err := http.Get(h.url("/accounts"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	readAll(t, resp)
	assert.Equal(t, int64(1), h.metrics.GetSnapshot().Errors)
}

func TestDaemonListenError(t *testing.T) {
	h := newDaemon(t, Config{Responder: domain.ResponderFunc(func(domain.Request) domain.Response { return domain.Response{} })})

	_, portStr, err := net.SplitHostPort(h.daemon.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	_, err = New(Config{
		Address: "127.0.0.1",
		Port:    port,
		Logger:  testutil.NewRecordingLogger(),
		Metrics: metrics.New(""),
	})
	assert.ErrorContains(t, err, "failed to listen")
}
