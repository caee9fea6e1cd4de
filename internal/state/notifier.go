package state

import (
	"runtime/debug"
	"sync"

	"xraytun/internal/logging"
)

type delivery struct {
	snap   Snapshot
	target ObserverID // пусто: всем подписчикам
}

type observer struct {
	fn func(Snapshot)
	// after: версия начального снимка; более ранние рассылки из очереди пропускаются
	after uint64
}

// notifier доставляет снимки наблюдателям в порядке переходов из одной горутины.
type notifier struct {
	logger *logging.Logger

	mu        sync.Mutex
	observers map[ObserverID]observer
	queue     []delivery
	wake      chan struct{}
	closed    bool
	done      chan struct{}
}

func newNotifier(logger *logging.Logger) *notifier {
	n := &notifier{
		logger:    logger,
		observers: make(map[ObserverID]observer),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go n.loop()
	return n
}

func (n *notifier) subscribe(id ObserverID, fn func(Snapshot), initial Snapshot) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.observers[id] = observer{fn: fn, after: initial.Version}
	n.queue = append(n.queue, delivery{snap: initial, target: id})
	n.signal()
}

func (n *notifier) unsubscribe(id ObserverID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.observers, id)
}

func (n *notifier) publish(snap Snapshot) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.queue = append(n.queue, delivery{snap: snap})
	n.signal()
}

func (n *notifier) signal() {
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *notifier) loop() {
	defer close(n.done)
	for range n.wake {
		for {
			n.mu.Lock()
			if len(n.queue) == 0 {
				closed := n.closed
				n.mu.Unlock()
				if closed {
					return
				}
				break
			}
			d := n.queue[0]
			n.queue = n.queue[1:]
			n.mu.Unlock()
			n.deliver(d)
		}
	}
}

// deliver вызывает наблюдателей вне блокировки контроллера. Подписчик, снятый
// после постановки снимка в очередь, его уже не получит.
func (n *notifier) deliver(d delivery) {
	if d.target != "" {
		n.call(d.target, d.snap, true)
		return
	}
	n.mu.Lock()
	ids := make([]ObserverID, 0, len(n.observers))
	for id := range n.observers {
		ids = append(ids, id)
	}
	n.mu.Unlock()
	for _, id := range ids {
		n.call(id, d.snap, false)
	}
}

func (n *notifier) call(id ObserverID, snap Snapshot, initial bool) {
	n.mu.Lock()
	o, ok := n.observers[id]
	n.mu.Unlock()
	if !ok || (!initial && snap.Version <= o.after) {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			n.logger.Errorf("observer %s panicked: %v\n%s", id, r, debug.Stack())
		}
	}()
	o.fn(snap)
}

// close дожидается доставки уже поставленных снимков.
func (n *notifier) close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	n.signal()
	n.mu.Unlock()
	<-n.done
}
