package journal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"ledgerrest/internal/domain"
	"ledgerrest/internal/interface/runner"
)

// watchMask は元帳の書き換えとして扱うイベント.
const watchMask = unix.IN_MODIFY | unix.IN_MOVED_TO | unix.IN_CLOSE_WRITE |
	unix.IN_MOVE_SELF | unix.IN_DELETE_SELF

// watchTimeout は監視ソースが要求する待ちの上限.
const watchTimeout = time.Hour

// Watcher は1つの inotify fd で元帳ファイル群を監視するイベントソース.
// 変更を検知すると監視を外してから onChange を呼ぶ. 張り直しは Arm で行う.
type Watcher struct {
	mu       sync.Mutex
	fd       int
	wds      map[int]string
	buf      []byte
	onChange func()
	logger   domain.Logger
	metrics  domain.MetricsCollector
	closed   bool
}

var _ runner.Source = (*Watcher)(nil)

// NewWatcher は新しいWatcherインスタンスを作成
func NewWatcher(logger domain.Logger, metrics domain.MetricsCollector, onChange func()) (*Watcher, error) {
	fd, err := unix.InotifyInit1(unix.IN_NONBLOCK | unix.IN_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("inotify_init1: %w", err)
	}

	return &Watcher{
		fd:       fd,
		wds:      make(map[int]string),
		buf:      make([]byte, 64*(unix.SizeofInotifyEvent+256)),
		onChange: onChange,
		logger:   logger,
		metrics:  metrics,
	}, nil
}

// Arm は既存の監視を外し、files を監視し直す. 監視できたファイルを返す.
// 個々のファイルの失敗はログに残すだけで続行する.
func (w *Watcher) Arm(files []string) []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}

	w.removeAllLocked()
	// 外した監視の残りイベントを捨てる
	w.readEventsLocked()

	watched := make([]string, 0, len(files))
	for _, file := range files {
		wd, err := unix.InotifyAddWatch(w.fd, file, watchMask)
		if err != nil {
			w.logger.Warn("Failed to watch ledger file", map[string]interface{}{
				"file":  file,
				"error": err.Error(),
			})
			continue
		}
		w.wds[wd] = file
		watched = append(watched, file)
	}

	w.logger.Debug("Ledger watches armed", map[string]interface{}{
		"files": len(watched),
	})
	return watched
}

// Disarm はすべての監視を外す.
func (w *Watcher) Disarm() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.removeAllLocked()
}

// Watched は監視中のファイルを名前順に返す.
func (w *Watcher) Watched() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	files := make([]string, 0, len(w.wds))
	for _, f := range w.wds {
		files = append(files, f)
	}
	sort.Strings(files)
	return files
}

// Register は監視中のときだけ fd を登録する.
func (w *Watcher) Register(set *runner.FDSet) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed || len(w.wds) == 0 {
		return -1
	}
	return set.AddRead(w.fd)
}

func (w *Watcher) Timeout() time.Duration {
	return watchTimeout
}

// OnReady はイベントを読み、監視中のファイルに変更があれば onChange を呼ぶ.
func (w *Watcher) OnReady(set *runner.FDSet) error {
	w.mu.Lock()
	if w.closed || !set.Readable(w.fd) {
		w.mu.Unlock()
		return nil
	}

	changed, err := w.readEventsLocked()
	if len(changed) > 0 {
		w.removeAllLocked()
	}
	w.mu.Unlock()

	if err != nil {
		return fmt.Errorf("read inotify events: %w", err)
	}
	if len(changed) == 0 {
		return nil
	}

	w.metrics.RecordWatchEvent()
	w.logger.Info("Ledger file changed", map[string]interface{}{
		"files": changed,
	})
	if w.onChange != nil {
		w.onChange()
	}
	return nil
}

// Close は監視を外して fd を解放する.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	w.removeAllLocked()
	return unix.Close(w.fd)
}

func (w *Watcher) removeAllLocked() {
	for wd := range w.wds {
		// 削除済みのファイルでは EINVAL になるが無視してよい
		_, _ = unix.InotifyRmWatch(w.fd, uint32(wd))
		delete(w.wds, wd)
	}
}

// readEventsLocked は読めるだけイベントを読み、監視中の wd に届いた変更のファイル名を返す.
func (w *Watcher) readEventsLocked() ([]string, error) {
	var changed []string
	seen := make(map[string]bool)

	for {
		n, err := unix.Read(w.fd, w.buf)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				return changed, nil
			}
			return changed, err
		}
		if n <= 0 {
			return changed, nil
		}

		for _, ev := range parseEvents(w.buf[:n]) {
			if ev.mask&unix.IN_IGNORED != 0 || ev.mask&watchMask == 0 {
				continue
			}
			file, ok := w.wds[int(ev.wd)]
			if !ok || seen[file] {
				continue
			}
			seen[file] = true
			changed = append(changed, file)
		}
	}
}

type inotifyEvent struct {
	wd   int32
	mask uint32
}

// parseEvents は inotify_event の並びを分解する. 名前は使わない.
func parseEvents(buf []byte) []inotifyEvent {
	var events []inotifyEvent
	offset := 0
	for offset+unix.SizeofInotifyEvent <= len(buf) {
		nameLen := int(binary.NativeEndian.Uint32(buf[offset+12 : offset+16]))
		size := unix.SizeofInotifyEvent + nameLen
		if offset+size > len(buf) {
			break
		}
		events = append(events, inotifyEvent{
			wd:   int32(binary.NativeEndian.Uint32(buf[offset : offset+4])),
			mask: binary.NativeEndian.Uint32(buf[offset+4 : offset+8]),
		})
		offset += size
	}
	return events
}
