// Package state содержит контроллер единственной VPN-сессии: конечный автомат
// Stopped → Starting → Running → Stopping → Stopped с откатом через Failed.
package state

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"xraytun/internal/coreconfig"
	"xraytun/internal/logging"
	"xraytun/internal/profile"
	"xraytun/internal/settings"
)

// State описывает состояние сессии.
type State string

const (
	StateStopped  State = "Stopped"
	StateStarting State = "Starting"
	StateRunning  State = "Running"
	StateStopping State = "Stopping"
	StateFailed   State = "Failed"
)

// Terminal сообщает, что состояние не переходное.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateRunning
}

// ObserverID идентифицирует источник запроса и подписчика (окно, трей, IPC-клиент).
type ObserverID string

// ObserverWatchdog помечает переходы, инициированные сторожем движка.
const ObserverWatchdog ObserverID = "watchdog"

// Snapshot неизменяемый снимок сессии. Version растёт с каждым переходом.
type Snapshot struct {
	State           State
	ActiveProfileID string
	LastError       string
	RequestedBy     ObserverID
	Version         uint64
	ChangedAt       time.Time
}

// Engine описывает прокси-движок.
type Engine interface {
	Start(ctx context.Context, configPath string) error
	Stop(ctx context.Context) error
	IsRunning() bool
}

// Adapter описывает TUN-адаптер.
type Adapter interface {
	Open(ctx context.Context, params coreconfig.TunParams) error
	Close(ctx context.Context) error
}

// Materializer готовит файлы конфигурации для сессии.
type Materializer interface {
	Materialize(p profile.Profile, s settings.Settings) (*coreconfig.MaterializedConfig, error)
}

// Source отдаёт выбранный профиль и глобальные настройки на момент старта.
type Source interface {
	SelectedProfile() (profile.Profile, error)
	Settings() (settings.Settings, error)
}

// Options задаёт таймауты контроллера.
type Options struct {
	StartTimeout     time.Duration
	StopTimeout      time.Duration
	WatchdogInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.StartTimeout <= 0 {
		o.StartTimeout = 5 * time.Second
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = 5 * time.Second
	}
	if o.WatchdogInterval <= 0 {
		o.WatchdogInterval = 2 * time.Second
	}
	return o
}

// Controller владеет состоянием сессии и сериализует запросы на запуск и остановку.
type Controller struct {
	logger       *logging.Logger
	engine       Engine
	adapter      Adapter
	materializer Materializer
	source       Source
	opts         Options

	mu         sync.Mutex
	snap       Snapshot
	reconciled bool
	current    atomic.Pointer[Snapshot]

	notifier *notifier

	watchdogOnce sync.Once
	closeOnce    sync.Once
	stop         chan struct{}
	wg           sync.WaitGroup
}

// NewController создаёт контроллер в состоянии Stopped. До Reconcile все запросы получают Busy.
func NewController(logger *logging.Logger, engine Engine, adapter Adapter, materializer Materializer, source Source, opts Options) *Controller {
	c := &Controller{
		logger:       logger,
		engine:       engine,
		adapter:      adapter,
		materializer: materializer,
		source:       source,
		opts:         opts.withDefaults(),
		snap:         Snapshot{State: StateStopped, ChangedAt: time.Now()},
		stop:         make(chan struct{}),
	}
	initial := c.snap
	c.current.Store(&initial)
	c.notifier = newNotifier(logger)
	return c
}

// CurrentState возвращает последний снимок без ожидания блокировок.
func (c *Controller) CurrentState() Snapshot {
	return *c.current.Load()
}

// Subscribe регистрирует наблюдателя и сразу отправляет ему текущий снимок.
// Уведомления доставляются по порядку из отдельной горутины, после того как переход завершён.
func (c *Controller) Subscribe(id ObserverID, fn func(Snapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifier.subscribe(id, fn, c.snap)
}

// Unsubscribe снимает наблюдателя; уже поставленные в очередь уведомления ему не доставляются.
func (c *Controller) Unsubscribe(id ObserverID) {
	c.notifier.unsubscribe(id)
}

// Reconcile выполняется один раз при запуске: останавливает движок и туннель,
// оставшиеся от прошлого процесса, и разрешает дальнейшие запросы.
func (c *Controller) Reconcile(ctx context.Context) error {
	c.mu.Lock()
	if c.reconciled {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	var errs []error
	if c.engine.IsRunning() {
		c.logger.Warnf("stale engine detected without a session, stopping it")
		stopCtx, cancel := context.WithTimeout(ctx, c.opts.StopTimeout)
		if err := c.engine.Stop(stopCtx); err != nil {
			errs = append(errs, fmt.Errorf("stop stale engine: %w", err))
		}
		if err := c.adapter.Close(stopCtx); err != nil {
			errs = append(errs, fmt.Errorf("close stale tunnel: %w", err))
		}
		cancel()
	}
	err := errors.Join(errs...)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconciled = true
	lastError := ""
	if err != nil {
		c.logger.Errorf("reconcile: %v", err)
		lastError = err.Error()
	}
	c.setLocked(StateStopped, ObserverWatchdog, "", lastError)
	return err
}

// Toggle запускает сессию из Stopped и останавливает из Running.
// В переходных состояниях возвращает Busy без постановки в очередь.
func (c *Controller) Toggle(ctx context.Context, by ObserverID) (Snapshot, error) {
	c.mu.Lock()
	if err := c.checkReadyLocked(); err != nil {
		snap := c.snap
		c.mu.Unlock()
		return snap, err
	}
	switch c.snap.State {
	case StateStopped:
		return c.startLocked(ctx, by)
	case StateRunning:
		return c.stopLocked(ctx, by)
	}
	snap := c.snap
	c.mu.Unlock()
	return snap, busy(fmt.Sprintf("session is %s", snap.State))
}

// Start запускает сессию; в Running возвращает AlreadyInState.
func (c *Controller) Start(ctx context.Context, by ObserverID) (Snapshot, error) {
	c.mu.Lock()
	if err := c.checkReadyLocked(); err != nil {
		snap := c.snap
		c.mu.Unlock()
		return snap, err
	}
	switch c.snap.State {
	case StateStopped:
		return c.startLocked(ctx, by)
	case StateRunning:
		snap := c.snap
		c.mu.Unlock()
		return snap, &Error{Kind: KindAlreadyInState, Message: "session is already running"}
	}
	snap := c.snap
	c.mu.Unlock()
	return snap, busy(fmt.Sprintf("session is %s", snap.State))
}

// Stop останавливает сессию; в Stopped возвращает AlreadyInState.
func (c *Controller) Stop(ctx context.Context, by ObserverID) (Snapshot, error) {
	c.mu.Lock()
	if err := c.checkReadyLocked(); err != nil {
		snap := c.snap
		c.mu.Unlock()
		return snap, err
	}
	switch c.snap.State {
	case StateRunning:
		return c.stopLocked(ctx, by)
	case StateStopped:
		snap := c.snap
		c.mu.Unlock()
		return snap, &Error{Kind: KindAlreadyInState, Message: "session is already stopped"}
	}
	snap := c.snap
	c.mu.Unlock()
	return snap, busy(fmt.Sprintf("session is %s", snap.State))
}

func (c *Controller) checkReadyLocked() error {
	if !c.reconciled {
		return busy("startup reconciliation is in progress")
	}
	return nil
}

// startLocked вызывается с захваченным mu и освобождает его.
func (c *Controller) startLocked(ctx context.Context, by ObserverID) (Snapshot, error) {
	c.setLocked(StateStarting, by, "", "")
	c.mu.Unlock()

	p, cfg, err := c.materialize()
	if err != nil {
		return c.fail(by, "", err, nil)
	}
	startCtx, cancel := context.WithTimeout(ctx, c.opts.StartTimeout)
	defer cancel()

	if err := c.adapter.Open(startCtx, cfg.Tun); err != nil {
		return c.fail(by, p.ID, fmt.Errorf("open tunnel: %w", err), func(rctx context.Context) {
			c.closeAdapter(rctx)
		})
	}
	if err := c.engine.Start(startCtx, cfg.EnginePath); err != nil {
		return c.fail(by, p.ID, fmt.Errorf("start engine: %w", err), func(rctx context.Context) {
			if stopErr := c.engine.Stop(rctx); stopErr != nil {
				c.logger.Warnf("rollback engine: %v", stopErr)
			}
			c.closeAdapter(rctx)
		})
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(StateRunning, by, p.ID, "")
	c.logger.Infof("session started by %s with profile %s", by, p.ID)
	return c.snap, nil
}

func (c *Controller) materialize() (profile.Profile, *coreconfig.MaterializedConfig, error) {
	p, err := c.source.SelectedProfile()
	if err != nil {
		return profile.Profile{}, nil, err
	}
	s, err := c.source.Settings()
	if err != nil {
		return p, nil, fmt.Errorf("load settings: %w", err)
	}
	cfg, err := c.materializer.Materialize(p, s)
	if err != nil {
		return p, nil, err
	}
	return p, cfg, nil
}

// fail переводит сессию в Failed, выполняет откат и возвращает её в Stopped.
func (c *Controller) fail(by ObserverID, profileID string, cause error, rollback func(context.Context)) (Snapshot, error) {
	e := classify(cause)
	c.logger.Errorf("session start failed: %v", e)

	c.mu.Lock()
	c.setLocked(StateFailed, by, profileID, e.Error())
	c.mu.Unlock()

	if rollback != nil {
		rctx, cancel := context.WithTimeout(context.Background(), c.opts.StopTimeout)
		rollback(rctx)
		cancel()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(StateStopped, by, "", e.Error())
	return c.snap, e
}

// stopLocked вызывается с захваченным mu и освобождает его.
func (c *Controller) stopLocked(ctx context.Context, by ObserverID) (Snapshot, error) {
	profileID := c.snap.ActiveProfileID
	c.setLocked(StateStopping, by, profileID, "")
	c.mu.Unlock()

	stopCtx, cancel := context.WithTimeout(ctx, c.opts.StopTimeout)
	defer cancel()
	var errs []error
	if err := c.engine.Stop(stopCtx); err != nil {
		errs = append(errs, fmt.Errorf("stop engine: %w", err))
	}
	if err := c.adapter.Close(stopCtx); err != nil {
		errs = append(errs, fmt.Errorf("close tunnel: %w", err))
	}
	lastError := ""
	if err := errors.Join(errs...); err != nil {
		c.logger.Warnf("session stop finished with errors: %v", err)
		lastError = err.Error()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(StateStopped, by, "", lastError)
	c.logger.Infof("session stopped by %s", by)
	return c.snap, nil
}

func (c *Controller) closeAdapter(ctx context.Context) {
	if err := c.adapter.Close(ctx); err != nil {
		c.logger.Warnf("rollback tunnel: %v", err)
	}
}

// setLocked выполняет переход и ставит снимок в очередь уведомлений.
func (c *Controller) setLocked(next State, by ObserverID, profileID, lastError string) {
	prev := c.snap.State
	c.snap = Snapshot{
		State:           next,
		ActiveProfileID: profileID,
		LastError:       lastError,
		RequestedBy:     by,
		Version:         c.snap.Version + 1,
		ChangedAt:       time.Now(),
	}
	snap := c.snap
	c.current.Store(&snap)
	c.logger.Debugf("session transition %s → %s (v%d, by %s)", prev, next, snap.Version, by)
	c.notifier.publish(snap)
}

// StartWatchdog запускает периодическую проверку движка. Повторные вызовы игнорируются.
func (c *Controller) StartWatchdog() {
	c.watchdogOnce.Do(func() {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer c.logPanic("watchdog")
			ticker := time.NewTicker(c.opts.WatchdogInterval)
			defer ticker.Stop()
			for {
				select {
				case <-c.stop:
					return
				case <-ticker.C:
					c.checkEngine("watchdog tick")
				}
			}
		}()
	})
}

// EngineExited сообщает контроллеру о завершении процесса движка.
func (c *Controller) EngineExited(reason string) {
	c.checkEngine(reason)
}

// checkEngine переводит Running-сессию в Failed, если движок больше не работает.
func (c *Controller) checkEngine(reason string) {
	c.mu.Lock()
	if c.snap.State != StateRunning {
		c.mu.Unlock()
		return
	}
	version := c.snap.Version
	c.mu.Unlock()

	if c.engine.IsRunning() {
		return
	}

	c.mu.Lock()
	if c.snap.State != StateRunning || c.snap.Version != version {
		c.mu.Unlock()
		return
	}
	message := "engine stopped unexpectedly"
	if reason != "" {
		message += ": " + reason
	}
	c.logger.Errorf("%s", message)
	profileID := c.snap.ActiveProfileID
	c.setLocked(StateFailed, ObserverWatchdog, profileID, message)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.StopTimeout)
	if err := c.engine.Stop(ctx); err != nil {
		c.logger.Warnf("cleanup engine: %v", err)
	}
	c.closeAdapter(ctx)
	cancel()

	c.mu.Lock()
	c.setLocked(StateStopped, ObserverWatchdog, "", message)
	c.mu.Unlock()
}

// Close останавливает сторож и доставку уведомлений. Сессию не трогает.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		close(c.stop)
		c.wg.Wait()
		c.notifier.close()
	})
}

func (c *Controller) logPanic(scope string) {
	if r := recover(); r != nil {
		c.logger.Errorf("panic in %s: %v\n%s", scope, r, debug.Stack())
		panic(r)
	}
}
