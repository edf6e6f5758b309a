package marketdata

import (
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"marketdata/internal/provider"
)

// Subscription is a registered price callback. Unsubscribe is safe to call
// more than once and from any goroutine.
type Subscription struct {
	ID        string
	Symbol    string
	CreatedAt time.Time

	cb     func(provider.Quote)
	active atomic.Bool
	subs   *subscriptions
}

// Unsubscribe stops delivery. A callback already running completes.
func (s *Subscription) Unsubscribe() {
	if s.active.CompareAndSwap(true, false) {
		s.subs.remove(s)
	}
}

// Active reports whether the subscription still receives updates.
func (s *Subscription) Active() bool { return s.active.Load() }

type notification struct {
	subs  []*Subscription
	quote provider.Quote
}

// subscriptions is the observer registry plus a single dispatcher goroutine
// that delivers notifications in the order they were queued.
type subscriptions struct {
	log *slog.Logger

	mu       sync.RWMutex
	bySymbol map[string][]*Subscription

	qmu    sync.Mutex
	queue  []notification
	wake   chan struct{}
	stop   chan struct{}
	done   chan struct{}
	closed bool
}

func newSubscriptions(log *slog.Logger) *subscriptions {
	s := &subscriptions{
		log:      log,
		bySymbol: make(map[string][]*Subscription),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *subscriptions) add(sym string, cb func(provider.Quote), now time.Time) *Subscription {
	sub := &Subscription{ID: uuid.NewString(), Symbol: sym, CreatedAt: now, cb: cb, subs: s}
	sub.active.Store(true)
	s.mu.Lock()
	s.bySymbol[sym] = append(s.bySymbol[sym], sub)
	s.mu.Unlock()
	return sub
}

func (s *subscriptions) remove(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.bySymbol[sub.Symbol]
	if i := slices.Index(list, sub); i >= 0 {
		list = slices.Delete(slices.Clone(list), i, i+1)
	}
	if len(list) == 0 {
		delete(s.bySymbol, sub.Symbol)
		return
	}
	s.bySymbol[sub.Symbol] = list
}

func (s *subscriptions) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, l := range s.bySymbol {
		n += len(l)
	}
	return n
}

// notify queues q for every current subscriber of its symbol. It never
// blocks on callbacks.
func (s *subscriptions) notify(q provider.Quote) {
	s.mu.RLock()
	list := s.bySymbol[q.Symbol]
	s.mu.RUnlock()
	if len(list) == 0 {
		return
	}

	s.qmu.Lock()
	if s.closed {
		s.qmu.Unlock()
		return
	}
	s.queue = append(s.queue, notification{subs: list, quote: q})
	s.qmu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriptions) run() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case <-s.wake:
		}
		for {
			s.qmu.Lock()
			if len(s.queue) == 0 {
				s.qmu.Unlock()
				break
			}
			n := s.queue[0]
			s.queue = s.queue[1:]
			s.qmu.Unlock()
			s.deliver(n)

			select {
			case <-s.stop:
				return
			default:
			}
		}
	}
}

func (s *subscriptions) deliver(n notification) {
	for _, sub := range n.subs {
		if !sub.active.Load() {
			continue
		}
		s.call(sub, n.quote)
	}
}

func (s *subscriptions) call(sub *Subscription, q provider.Quote) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("subscriber panicked", "subscription", sub.ID, "symbol", sub.Symbol, "panic", r)
		}
	}()
	sub.cb(q)
}

// close stops the dispatcher and drops pending notifications.
func (s *subscriptions) close() <-chan struct{} {
	s.qmu.Lock()
	if !s.closed {
		s.closed = true
		s.queue = nil
		close(s.stop)
	}
	s.qmu.Unlock()

	s.mu.Lock()
	for sym, list := range s.bySymbol {
		for _, sub := range list {
			sub.active.Store(false)
		}
		delete(s.bySymbol, sym)
	}
	s.mu.Unlock()
	return s.done
}
