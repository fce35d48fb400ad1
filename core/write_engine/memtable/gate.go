package memtable

import (
	"sync"

	flushmanager "github.com/sushant-115/pagejournal/core/write_engine/flush_manager"
)

// WriteGate admits any number of ordinary operations at once, while a
// checkpoint closes it to drain them and hold new ones back.
type WriteGate struct {
	mu       sync.Mutex
	cond     *sync.Cond
	admitted int
	held     int // admissions taken by Hold, a subset of admitted
	closed   bool
	shut     bool // closed for good
}

func NewWriteGate() *WriteGate {
	g := &WriteGate{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Enter blocks while the gate is closed, then admits the caller. It returns
// false once the gate has been shut down.
func (g *WriteGate) Enter() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for g.closed && !g.shut {
		g.cond.Wait()
	}
	if g.shut {
		return false
	}
	g.admitted++
	return true
}

// Hold admits the caller like Enter and marks the admission as held, so
// that CloseUnlessHeld refuses rather than waits for it.
func (g *WriteGate) Hold() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for g.closed && !g.shut {
		g.cond.Wait()
	}
	if g.shut {
		return false
	}
	g.admitted++
	g.held++
	return true
}

// Release gives back an admission taken by Hold.
func (g *WriteGate) Release() {
	g.mu.Lock()
	g.held--
	if g.held < 0 {
		g.mu.Unlock()
		panic("memtable: write gate released more times than held")
	}
	g.mu.Unlock()
	g.Exit()
}

func (g *WriteGate) Exit() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.admitted--
	if g.admitted < 0 {
		panic("memtable: write gate exited more times than entered")
	}
	if g.admitted == 0 {
		g.cond.Broadcast()
	}
}

// Close waits for any other closer, shuts the gate and waits until every
// admitted operation has exited. It returns false once the gate has been
// shut down.
func (g *WriteGate) Close() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for g.closed && !g.shut {
		g.cond.Wait()
	}
	if g.shut {
		return false
	}
	g.closed = true
	for g.admitted > 0 {
		g.cond.Wait()
	}
	return true
}

// CloseUnlessHeld is Close, except that it fails with ErrStoreLocked
// instead of waiting while any admission is held. Once the gate is closed no
// new hold can be taken, so the check cannot be raced.
func (g *WriteGate) CloseUnlessHeld() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for g.closed && !g.shut {
		g.cond.Wait()
	}
	if g.shut {
		return flushmanager.ErrStoreClosed
	}
	if g.held > 0 {
		return flushmanager.ErrStoreLocked
	}
	g.closed = true
	for g.admitted > 0 {
		g.cond.Wait()
	}
	return nil
}

// Open reopens the gate after Close.
func (g *WriteGate) Open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.shut {
		return
	}
	g.closed = false
	g.cond.Broadcast()
}

// Shutdown closes the gate for good once admitted operations have exited.
// Later Enter and Close calls fail instead of blocking.
func (g *WriteGate) Shutdown() {
	if !g.Close() {
		return
	}
	g.mu.Lock()
	g.shut = true
	g.cond.Broadcast()
	g.mu.Unlock()
}

// Held returns the number of admissions taken by Hold.
func (g *WriteGate) Held() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.held
}

// Admitted returns the number of operations currently inside the gate.
func (g *WriteGate) Admitted() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.admitted
}
