package runner

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Notifier は他のゴルーチンからループを起こすための eventfd.
type Notifier struct {
	fd     int
	closed atomic.Bool
}

// NewNotifier は新しいNotifierインスタンスを作成
func NewNotifier() (*Notifier, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	return &Notifier{fd: fd}, nil
}

// FD は select に登録する fd を返す.
func (n *Notifier) FD() int {
	return n.fd
}

// Notify はカウンタを増やして fd を読み込み可能にする.
func (n *Notifier) Notify() error {
	if n.closed.Load() {
		return errors.New("notifier is closed")
	}

	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(n.fd, buf[:]); err != nil && !errors.Is(err, unix.EAGAIN) {
		return fmt.Errorf("eventfd write: %w", err)
	}
	return nil
}

// Drain はカウンタを読み捨て、通知があったかを返す.
func (n *Notifier) Drain() bool {
	var buf [8]byte
	_, err := unix.Read(n.fd, buf[:])
	return err == nil && binary.NativeEndian.Uint64(buf[:]) > 0
}

// Close は fd を解放する. 2回目以降は何もしない.
func (n *Notifier) Close() error {
	if n.closed.Swap(true) {
		return nil
	}
	return unix.Close(n.fd)
}
