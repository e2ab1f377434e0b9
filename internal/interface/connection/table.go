package connection

import (
	"context"
	"net"
	"sync"

	"github.com/google/uuid"
)

type contextKey struct{}

// Table は生きている接続の状態を ID で管理する.
type Table struct {
	mu     sync.RWMutex
	byID   map[string]*State
	byConn map[net.Conn]string
}

// NewTable は新しいTableインスタンスを作成
func NewTable() *Table {
	return &Table{
		byID:   make(map[string]*State),
		byConn: make(map[net.Conn]string),
	}
}

// Open は接続に ID を割り当てて状態を作る.
func (t *Table) Open(conn net.Conn) *State {
	remote := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	st := NewState(uuid.NewString(), remote)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.byID[st.ID] = st
	t.byConn[conn] = st.ID
	return st
}

// Get は ID の状態を返す.
func (t *Table) Get(id string) (*State, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.byID[id]
	return st, ok
}

// Release は接続の終了で状態を破棄する.
func (t *Table) Release(conn net.Conn) (*State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, ok := t.byConn[conn]
	if !ok {
		return nil, false
	}
	delete(t.byConn, conn)
	st := t.byID[id]
	delete(t.byID, id)
	if st != nil {
		st.Complete()
	}
	return st, st != nil
}

// Len は生きている接続の数を返す.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}

// WithID は接続 ID をコンテキストに載せる.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// IDFrom はコンテキストの接続 ID を返す.
func IDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(contextKey{}).(string)
	return id, ok
}
