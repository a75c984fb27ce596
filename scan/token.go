package scan

import (
	"sync"
	"sync/atomic"
)

// Token is a cancellation signal.  It is set at most once and never cleared.
// Any number of goroutines may call Cancel; the orchestrator polls Cancelled.
type Token struct {
	set  atomic.Bool
	once sync.Once
	done chan struct{}
}

// NewToken returns an unset token
func NewToken() *Token {
	return &Token{done: make(chan struct{})}
}

// Cancel sets the token.  Calling it again has no effect.
func (t *Token) Cancel() {
	t.once.Do(func() {
		t.set.Store(true)
		close(t.done)
	})
}

// Cancelled returns true once Cancel has been called
func (t *Token) Cancelled() bool {
	return t.set.Load()
}

// Done returns a channel that is closed when the token is cancelled
func (t *Token) Done() <-chan struct{} {
	return t.done
}
