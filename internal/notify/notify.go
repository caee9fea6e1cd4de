// Package notify показывает системные уведомления о переходах VPN-сессии.
package notify

import (
	"sync"
	"time"

	"xraytun/internal/logging"
	"xraytun/internal/state"
)

// Sender показывает одно уведомление.
type Sender func(title, message string) error

// Notifier подписывается на снимки контроллера и сообщает о подключении,
// отключении и ошибках. Ошибки одного вида не повторяются чаще throttle.
type Notifier struct {
	logger *logging.Logger
	send   Sender

	mu       sync.Mutex
	enabled  bool
	throttle time.Duration
	last     map[string]time.Time
	prev     state.State
	now      func() time.Time

	wg sync.WaitGroup
}

// New создаёт уведомитель. На Windows используются toast-уведомления,
// на остальных системах fallback (обычно уведомления fyne).
func New(logger *logging.Logger, appID string, fallback Sender) *Notifier {
	send := platformSender(appID)
	if send == nil {
		send = fallback
	}
	return &Notifier{
		logger:   logger,
		send:     send,
		enabled:  true,
		throttle: 30 * time.Second,
		last:     make(map[string]time.Time),
		prev:     state.StateStopped,
		now:      time.Now,
	}
}

// SetEnabled включает или выключает уведомления.
func (n *Notifier) SetEnabled(enabled bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.enabled = enabled
}

// Observe принимает снимок сессии; передаётся в Controller.Subscribe.
func (n *Notifier) Observe(snap state.Snapshot) {
	n.mu.Lock()
	prev := n.prev
	n.prev = snap.State
	n.mu.Unlock()
	if prev == snap.State {
		return
	}

	switch {
	case snap.State == state.StateRunning:
		n.notify("connected", 0, "VPN подключён", "Трафик идёт через туннель")
	case snap.State == state.StateStopped && prev == state.StateFailed && snap.RequestedBy == state.ObserverWatchdog:
		n.notify("lost", n.throttle, "Соединение потеряно", snap.LastError)
	case snap.State == state.StateStopped && prev == state.StateFailed:
		n.notify("failed", n.throttle, "Ошибка подключения", snap.LastError)
	case snap.State == state.StateStopped && prev == state.StateStopping:
		n.notify("disconnected", 0, "VPN отключён", "Системный трафик идёт напрямую")
	}
}

func (n *Notifier) notify(key string, throttle time.Duration, title, message string) {
	n.mu.Lock()
	if !n.enabled || n.send == nil {
		n.mu.Unlock()
		return
	}
	now := n.now()
	if throttle > 0 && now.Sub(n.last[key]) < throttle {
		n.mu.Unlock()
		return
	}
	n.last[key] = now
	n.mu.Unlock()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.send(title, message); err != nil {
			n.logger.Warnf("notification failed: %v", err)
		}
	}()
}

// Wait дожидается отправки уже начатых уведомлений.
func (n *Notifier) Wait() {
	n.wg.Wait()
}
