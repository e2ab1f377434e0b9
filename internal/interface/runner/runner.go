// Package runner は select(2) で複数のイベントソースを1つのスレッドから駆動する.
package runner

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"ledgerrest/internal/domain"
)

// Forever はタイムアウトを必要としないソースが返す値.
const Forever time.Duration = -1

// FDSet は select に渡す3つの集合.
type FDSet struct {
	Read   unix.FdSet
	Write  unix.FdSet
	Except unix.FdSet
}

// Zero はすべての集合を空にする.
func (s *FDSet) Zero() {
	s.Read.Zero()
	s.Write.Zero()
	s.Except.Zero()
}

// AddRead は fd を読み込み待ちに加え、加えた fd を返す.
// select で扱えない fd は加えず -1 を返す.
func (s *FDSet) AddRead(fd int) int {
	if fd < 0 || fd >= unix.FD_SETSIZE {
		return -1
	}
	s.Read.Set(fd)
	return fd
}

// Readable は fd が読み込み可能と通知されたかを返す.
func (s *FDSet) Readable(fd int) bool {
	if fd < 0 || fd >= unix.FD_SETSIZE {
		return false
	}
	return s.Read.IsSet(fd)
}

// Source はランナーが駆動するイベントソース.
type Source interface {
	// Register は待ち受ける fd を集合に加え、最大の fd を返す. 無ければ -1.
	Register(set *FDSet) int
	// Timeout は次の待ちの上限. 不要なら Forever.
	Timeout() time.Duration
	// OnReady は待ちの後に毎回呼ばれる. 自分の fd が通知されたかは自分で確認する.
	OnReady(set *FDSet) error
}

// Runner はイベントループ.
type Runner struct {
	sources []Source
	running atomic.Bool
	wake    *Notifier
	logger  domain.Logger
}

// New は新しいRunnerインスタンスを作成. ソースは登録順に処理される.
func New(logger domain.Logger, sources ...Source) (*Runner, error) {
	wake, err := NewNotifier()
	if err != nil {
		return nil, err
	}

	r := &Runner{
		sources: sources,
		wake:    wake,
		logger:  logger,
	}
	r.running.Store(true)
	return r, nil
}

// Run は Stop が呼ばれるまで待ちと処理を繰り返す.
func (r *Runner) Run() error {
	r.logger.Info("Starting server", map[string]interface{}{"sources": len(r.sources)})

	var set FDSet
	for r.running.Load() {
		set.Zero()
		maxFD := set.AddRead(r.wake.FD())
		timeout := Forever

		for _, s := range r.sources {
			if fd := s.Register(&set); fd > maxFD {
				maxFD = fd
			}
			timeout = minTimeout(timeout, s.Timeout())
		}

		var tv *unix.Timeval
		if timeout >= 0 {
			v := unix.NsecToTimeval(timeout.Nanoseconds())
			tv = &v
		}

		if _, err := unix.Select(maxFD+1, &set.Read, &set.Write, &set.Except, tv); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("select: %w", err)
		}

		if set.Readable(r.wake.FD()) {
			r.wake.Drain()
		}

		for _, s := range r.sources {
			if err := s.OnReady(&set); err != nil {
				r.logger.Error("Event source failed", err, map[string]interface{}{
					"source": fmt.Sprintf("%T", s),
				})
			}
		}
	}

	r.logger.Info("Server loop finished", nil)
	return nil
}

// Stop はループを止める. ループの外から呼んでよい.
func (r *Runner) Stop() {
	if !r.running.Swap(false) {
		return
	}
	r.logger.Info("Stopping server", nil)
	if err := r.wake.Notify(); err != nil {
		r.logger.Error("Failed to wake server loop", err, nil)
	}
}

// Running はループが動作中かを返す.
func (r *Runner) Running() bool {
	return r.running.Load()
}

// Close は待ち受け用の fd を解放する.
func (r *Runner) Close() error {
	return r.wake.Close()
}

func minTimeout(a, b time.Duration) time.Duration {
	switch {
	case a < 0:
		return b
	case b < 0:
		return a
	case b < a:
		return b
	default:
		return a
	}
}
