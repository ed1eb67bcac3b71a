package scpi

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/instrlab/go-scpi/internal/util"
)

// Token is the shared mutual-exclusion state behind one or more Locks.
// Sessions whose locks hold the same token serialize with each other exactly
// as if they were one session; sessions with distinct tokens do not, even
// when they target the same physical instrument.
//
// The owner/depth pair tracks reentrancy: ownerID is the goroutine id of the
// current holder, depth the number of nested Acquire calls it made. Both are
// guarded by stMu; other goroutines only ever compare ownerID against their
// own id, so a stale read cannot produce a false match.
type Token struct {
	mu      sync.Mutex
	stMu    sync.Mutex
	ownerID uint64
	depth   int
}

// NewToken creates a fresh private token.
func NewToken() *Token {
	return &Token{}
}

// Lock is the re-entrant, shareable exclusion primitive scoped to one
// instrument connection. A fresh Lock owns a private token; Assign adopts
// another Lock's token so both serialize together, and Clear detaches back
// to a fresh private token.
type Lock struct {
	mu    sync.Mutex
	token *Token
}

// Guard is the scoped handle of one successful Acquire. Release is
// idempotent, so it is safe to both defer it and call it early.
type Guard struct {
	mu       sync.Mutex
	tok      *Token
	released bool
}

// NewLock creates a lock with a fresh private token.
func NewLock() *Lock {
	return &Lock{token: NewToken()}
}

// Acquire blocks until no other holder of the same token is inside a guarded
// section, then returns the guard. Acquire is reentrant within one
// goroutine: nested calls succeed immediately and the token is released when
// every guard is released.
func (l *Lock) Acquire() *Guard {
	tok := l.currentToken()
	gid := util.GoroutineID()

	tok.stMu.Lock()
	if tok.ownerID == gid && tok.depth > 0 {
		tok.depth++
		tok.stMu.Unlock()
		return &Guard{tok: tok}
	}
	tok.stMu.Unlock()

	tok.mu.Lock()
	tok.stMu.Lock()
	tok.ownerID = gid
	tok.depth = 1
	tok.stMu.Unlock()

	return &Guard{tok: tok}
}

// Release exits the guarded section. The underlying token unlocks when the
// outermost guard of the owning goroutine releases.
func (g *Guard) Release() {
	g.mu.Lock()
	if g.released {
		g.mu.Unlock()
		return
	}
	g.released = true
	g.mu.Unlock()

	tok := g.tok
	tok.stMu.Lock()
	tok.depth--
	last := tok.depth == 0
	if last {
		tok.ownerID = 0
	}
	tok.stMu.Unlock()

	if last {
		tok.mu.Unlock()
	}
}

// Token returns the current shared token, for handing to another session's
// Lock via AssignToken.
func (l *Lock) Token() *Token {
	return l.currentToken()
}

// Assign adopts the other lock's token, dropping the previous one. From then
// on both locks serialize on the same token.
func (l *Lock) Assign(other *Lock) {
	l.AssignToken(other.Token())
}

// AssignToken adopts the given token directly.
func (l *Lock) AssignToken(tok *Token) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.token = tok
}

// Clear detaches from the shared token and creates a fresh private one.
// Holders still inside guarded sections of the old token are unaffected;
// the clearing side never blocks on them.
func (l *Lock) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.token = NewToken()
}

func (l *Lock) currentToken() *Token {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.token
}

// LockRegistry hands out one shared token per resource name, so sessions
// opened independently against the same instrument can opt into serializing
// with each other.
type LockRegistry struct {
	tokens *xsync.MapOf[string, *Token]
}

// NewLockRegistry creates an empty registry.
func NewLockRegistry() *LockRegistry {
	return &LockRegistry{tokens: xsync.NewMapOf[string, *Token]()}
}

// TokenFor returns the shared token registered for resourceName, creating it
// on first use.
func (r *LockRegistry) TokenFor(resourceName string) *Token {
	tok, _ := r.tokens.LoadOrCompute(resourceName, NewToken)
	return tok
}

// Forget removes the token registered for resourceName. Locks already
// holding the token keep working; future TokenFor calls get a fresh one.
func (r *LockRegistry) Forget(resourceName string) {
	r.tokens.Delete(resourceName)
}
