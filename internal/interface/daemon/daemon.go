// Package daemon は HTTP サーバーをイベントループのソースとして動かす.
// プロトコル処理は net/http のゴルーチンで行い、レスポンスの計算はループのスレッドで行う.
package daemon

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzhttp"

	"ledgerrest/internal/domain"
	"ledgerrest/internal/interface/connection"
	"ledgerrest/internal/interface/handler"
	"ledgerrest/internal/interface/runner"
)

// ErrClosed は停止後に渡されたリクエストのエラー.
var ErrClosed = errors.New("daemon closed")

const shutdownTimeout = 5 * time.Second

// Config はデーモンの設定
type Config struct {
	Address string
	Port    int
	// TLS が nil なら平文で待ち受ける
	TLS         *tls.Config
	Responder   domain.Responder
	Access      domain.AccessController
	Logger      domain.Logger
	Metrics     domain.MetricsCollector
	MaxBodySize int64
}

// Daemon は HTTP デーモンのアダプタ
type Daemon struct {
	server   *http.Server
	listener net.Listener
	table    *connection.Table
	wake     *runner.Notifier
	logger   domain.Logger
	metrics  domain.MetricsCollector

	mu      sync.Mutex
	pending []*call
	closed  chan struct{}

	closeOnce sync.Once
	closeErr  error
	serveDone chan struct{}
}

type call struct {
	fn   func() domain.Response
	done chan domain.Response
}

var (
	_ runner.Source      = (*Daemon)(nil)
	_ handler.Dispatcher = (*Daemon)(nil)
)

// New はソケットを開いて待ち受けを始める. リクエストは Runner が OnReady を呼ぶまで処理されない.
func New(config Config) (*Daemon, error) {
	addr := net.JoinHostPort(config.Address, strconv.Itoa(config.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	wake, err := runner.NewNotifier()
	if err != nil {
		ln.Close()
		return nil, err
	}

	if config.TLS != nil {
		tlsConfig := config.TLS.Clone()
		tlsConfig.NextProtos = []string{"http/1.1"}
		ln = tls.NewListener(ln, tlsConfig)
	}

	d := &Daemon{
		listener:  ln,
		table:     connection.NewTable(),
		wake:      wake,
		logger:    config.Logger,
		metrics:   config.Metrics,
		closed:    make(chan struct{}),
		serveDone: make(chan struct{}),
	}

	reports := handler.NewReportHandler(handler.ReportConfig{
		Table:       d.table,
		Access:      config.Access,
		Responder:   config.Responder,
		Dispatcher:  d,
		Logger:      config.Logger,
		Metrics:     config.Metrics,
		MaxBodySize: config.MaxBodySize,
	})

	d.server = &http.Server{
		Handler:           gzhttp.GzipHandler(reports),
		ConnContext:       d.connContext,
		ConnState:         d.connState,
		ReadHeaderTimeout: 30 * time.Second,
		ErrorLog:          log.New(&errorLogWriter{logger: config.Logger}, "", 0),
		// HTTP/2 は1接続に複数のリクエストを多重化するため使わない
		TLSNextProto: map[string]func(*http.Server, *tls.Conn, http.Handler){},
	}

	go d.serve()

	fields := map[string]interface{}{
		"address": ln.Addr().String(),
		"tls":     config.TLS != nil,
	}
	if config.TLS != nil {
		fields["client_cert"] = config.TLS.ClientAuth != tls.NoClientCert
	}
	if config.Access != nil {
		fields["auth"] = config.Access.Enabled()
	}
	config.Logger.Info("Daemon listening", fields)

	return d, nil
}

// Addr は待ち受けアドレスを返す.
func (d *Daemon) Addr() net.Addr {
	return d.listener.Addr()
}

// Connections は生きている接続の数を返す.
func (d *Daemon) Connections() int {
	return d.table.Len()
}

func (d *Daemon) serve() {
	defer close(d.serveDone)
	if err := d.server.Serve(d.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		d.logger.Error("HTTP server stopped", err, nil)
	}
}

func (d *Daemon) connContext(ctx context.Context, c net.Conn) context.Context {
	st := d.table.Open(c)
	d.metrics.IncrementConnections()
	d.logger.Debug("Connection opened", map[string]interface{}{
		"connection": st.ID,
		"remote":     st.RemoteAddr,
	})
	return connection.WithID(ctx, st.ID)
}

func (d *Daemon) connState(c net.Conn, state http.ConnState) {
	switch state {
	case http.StateClosed, http.StateHijacked:
		if st, ok := d.table.Release(c); ok {
			d.metrics.DecrementConnections()
			d.logger.Debug("Connection closed", map[string]interface{}{
				"connection": st.ID,
				"served":     st.Served(),
			})
		}
	}
}

// Dispatch は fn をループのスレッドで実行し、その結果を返す.
func (d *Daemon) Dispatch(ctx context.Context, fn func() domain.Response) (domain.Response, error) {
	c := &call{fn: fn, done: make(chan domain.Response, 1)}

	d.mu.Lock()
	select {
	case <-d.closed:
		d.mu.Unlock()
		return domain.Response{}, ErrClosed
	default:
	}
	d.pending = append(d.pending, c)
	d.mu.Unlock()

	if err := d.wake.Notify(); err != nil {
		return domain.Response{}, err
	}

	select {
	case resp := <-c.done:
		return resp, nil
	case <-ctx.Done():
		return domain.Response{}, ctx.Err()
	case <-d.closed:
		// Close が応答済みならそれを返す
		select {
		case resp := <-c.done:
			return resp, nil
		default:
			return domain.Response{}, ErrClosed
		}
	}
}

// Register は待ちの通知用 fd を登録する.
func (d *Daemon) Register(set *runner.FDSet) int {
	return set.AddRead(d.wake.FD())
}

// Timeout は処理待ちがあれば 0、無ければ無期限.
func (d *Daemon) Timeout() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending) > 0 {
		return 0
	}
	return runner.Forever
}

// OnReady は溜まったリクエストを受け付け順に処理する.
func (d *Daemon) OnReady(set *runner.FDSet) error {
	if set.Readable(d.wake.FD()) {
		d.wake.Drain()
	}

	d.mu.Lock()
	calls := d.pending
	d.pending = nil
	d.mu.Unlock()

	for _, c := range calls {
		c.done <- d.run(c.fn)
	}
	return nil
}

func (d *Daemon) run(fn func() domain.Response) (resp domain.Response) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.RecordError()
			d.logger.Error("Unknown error while responding to request", fmt.Errorf("panic: %v", r), nil)
			resp = domain.NewResponse(http.StatusBadRequest, nil, nil)
		}
	}()
	return fn()
}

// Close はデーモンを止めて資源を解放する. 2回目以降は最初の結果を返す.
func (d *Daemon) Close() error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		for _, c := range d.pending {
			c.done <- domain.NewResponse(http.StatusServiceUnavailable, nil, nil)
		}
		d.pending = nil
		close(d.closed)
		d.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := d.server.Shutdown(ctx); err != nil {
			d.closeErr = fmt.Errorf("shutdown: %w", err)
			d.server.Close()
		}
		<-d.serveDone

		if err := d.wake.Close(); err != nil && d.closeErr == nil {
			d.closeErr = err
		}
		d.logger.Info("Daemon stopped", nil)
	})
	return d.closeErr
}

// errorLogWriter は net/http の内部ログをロガーに流す.
type errorLogWriter struct {
	logger domain.Logger
}

func (w *errorLogWriter) Write(p []byte) (int, error) {
	w.logger.Warn("HTTP server error", map[string]interface{}{
		"detail": strings.TrimSpace(string(p)),
	})
	return len(p), nil
}
