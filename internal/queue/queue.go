// Package queue is the per-key serialized work queue (C5). It
// generalizes trader.go's single global `stateApplyCh chan func(*Trader)`
// consumed by one goroutine looping `for fn := range t.stateApplyCh`, to
// one channel-and-goroutine pair per queue key, so that work for
// distinct keys (GLOBAL, SYM:BTCUSD, SYM:ETHUSD, ...) runs concurrently
// while work within a single key stays strictly ordered.
package queue

import (
	"sync"

	"github.com/rs/zerolog"
)

const channelBuffer = 64

// Manager owns one worker goroutine per key, started lazily on first
// use and torn down when its backlog drains to zero.
type Manager struct {
	log zerolog.Logger

	mu      sync.Mutex
	workers map[string]*worker
}

type worker struct {
	ch      chan func()
	pending int
}

func NewManager(log zerolog.Logger) *Manager {
	return &Manager{
		log:     log.With().Str("component", "queue").Logger(),
		workers: make(map[string]*worker),
	}
}

// Enqueue appends fn to key's queue, starting a worker goroutine for
// key if none is running. fn is expected to recover its own panics the
// way the caller's chain-dispatch logic requires; Enqueue itself never
// blocks the caller for longer than it takes to push onto a buffered
// channel.
func (m *Manager) Enqueue(key string, fn func()) {
	m.mu.Lock()
	w, ok := m.workers[key]
	if !ok {
		w = &worker{ch: make(chan func(), channelBuffer)}
		m.workers[key] = w
		go m.run(key, w)
	}
	w.pending++
	m.mu.Unlock()

	w.ch <- fn
}

func (m *Manager) run(key string, w *worker) {
	for fn := range w.ch {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Error().Str("key", key).Interface("panic", r).Msg("queue worker recovered from panic")
				}
			}()
			fn()
		}()

		m.mu.Lock()
		w.pending--
		if w.pending == 0 {
			close(w.ch)
			delete(m.workers, key)
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
	}
}

// Depth reports the number of keys currently holding an active worker,
// and the total pending (queued-or-running) work items, for the
// queue gauges in internal/metrics.
func (m *Manager) Depth() (keys int, pending int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys = len(m.workers)
	for _, w := range m.workers {
		pending += w.pending
	}
	return keys, pending
}
