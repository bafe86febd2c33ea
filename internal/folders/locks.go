package folders

import (
	"context"
	"sync"
)

// lockTable hands out one exclusive lock per folder id. Entries are removed
// when no goroutine holds or waits for them.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*folderLock
}

type folderLock struct {
	ch   chan struct{}
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*folderLock)}
}

// lock blocks until the folder lock is held or ctx is done.
func (t *lockTable) lock(ctx context.Context, id string) (func(), error) {
	t.mu.Lock()
	l, ok := t.locks[id]
	if !ok {
		l = &folderLock{ch: make(chan struct{}, 1)}
		t.locks[id] = l
	}
	l.refs++
	t.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
		return func() {
			<-l.ch
			t.release(id, l)
		}, nil
	case <-ctx.Done():
		t.release(id, l)
		return nil, ctx.Err()
	}
}

func (t *lockTable) release(id string, l *folderLock) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(t.locks, id)
	}
}
