package notify

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"xraytun/internal/logging"
	"xraytun/internal/state"
)

type capture struct {
	mu     sync.Mutex
	titles []string
}

func (c *capture) send(title, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.titles = append(c.titles, title)
	return nil
}

func (c *capture) sorted() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := append([]string(nil), c.titles...)
	sort.Strings(out)
	return out
}

func newTestNotifier(c *capture) *Notifier {
	n := New(logging.Discard(), "xraytun.test", c.send)
	n.send = c.send
	return n
}

func TestSessionLifecycleNotifications(t *testing.T) {
	c := &capture{}
	n := newTestNotifier(c)

	for _, s := range []state.State{state.StateStarting, state.StateRunning, state.StateStopping, state.StateStopped} {
		n.Observe(state.Snapshot{State: s, RequestedBy: "ui"})
	}
	n.Wait()
	assert.Equal(t, []string{"VPN отключён", "VPN подключён"}, c.sorted())
}

func TestFailureNotificationsAreThrottled(t *testing.T) {
	c := &capture{}
	n := newTestNotifier(c)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return now }

	fail := func(by state.ObserverID) {
		n.Observe(state.Snapshot{State: state.StateStarting})
		n.Observe(state.Snapshot{State: state.StateFailed, LastError: "EngineFailure: boom"})
		n.Observe(state.Snapshot{State: state.StateStopped, RequestedBy: by, LastError: "EngineFailure: boom"})
	}
	fail("ui")
	fail("ui")
	now = now.Add(time.Minute)
	fail("ui")
	n.Observe(state.Snapshot{State: state.StateRunning})
	n.Observe(state.Snapshot{State: state.StateFailed})
	n.Observe(state.Snapshot{State: state.StateStopped, RequestedBy: state.ObserverWatchdog})
	n.Wait()

	assert.Equal(t, []string{"VPN подключён", "Ошибка подключения", "Ошибка подключения", "Соединение потеряно"}, c.sorted())
}

func TestDisabledNotifier(t *testing.T) {
	c := &capture{}
	n := newTestNotifier(c)
	n.SetEnabled(false)
	n.Observe(state.Snapshot{State: state.StateRunning})
	n.Wait()
	assert.Empty(t, c.sorted())
}
