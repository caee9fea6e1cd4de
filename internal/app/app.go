package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"xraytun/internal/assets"
	"xraytun/internal/config"
	"xraytun/internal/coreconfig"
	"xraytun/internal/dns"
	"xraytun/internal/engine"
	"xraytun/internal/importer"
	"xraytun/internal/ipc"
	"xraytun/internal/logging"
	"xraytun/internal/notify"
	"xraytun/internal/probe"
	"xraytun/internal/process"
	"xraytun/internal/profile"
	"xraytun/internal/routes"
	"xraytun/internal/settings"
	"xraytun/internal/state"
	"xraytun/internal/tunnel"
	"xraytun/internal/ui"
)

const (
	appID   = "xraytun.desktop"
	appName = "XrayTun"

	// ObserverUI подписывает окно на снимки; notify получает их под своим именем.
	ObserverUI     state.ObserverID = "ui"
	observerNotify state.ObserverID = "notify"

	shutdownTimeout = 3 * time.Second
)

// Application связывает контроллер сессии, хранилища, IPC и UI.
type Application struct {
	cfg     *config.Config
	logger  *logging.Logger
	version string

	service    *Service
	engine     engine.Engine
	controller *state.Controller
	notifier   *notify.Notifier
	ipc        *ipc.Server
	ui         *ui.Manager

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
	stopOnce  sync.Once
	shutdown  chan struct{}
}

// New создаёт Application и все его компоненты.
func New(cfg *config.Config, logger *logging.Logger, version string) (*Application, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is nil")
	}
	runCtx, runCancel := context.WithCancel(context.Background())
	a := &Application{
		cfg:       cfg,
		logger:    logger,
		version:   version,
		runCtx:    runCtx,
		runCancel: runCancel,
		shutdown:  make(chan struct{}),
	}

	materializer := coreconfig.NewMaterializer(cfg.RuntimeDir)
	a.engine = a.newEngine()
	a.service = NewService(ServiceOptions{
		Logger:       logger.WithComponent("profiles"),
		Profiles:     profile.NewStore(cfg.ProfilesFile),
		Settings:     settings.NewStore(cfg.SettingsFile),
		Materializer: materializer,
		Checker:      a.engine,
		Importer:     importer.New(importer.Options{Logger: logger.WithComponent("import")}),
		Prober:       probe.New(),
		Assets:       assets.NewDownloader(cfg.AssetsDir, nil, logger.WithComponent("assets")),
	})

	adapter := tunnel.NewAdapter(
		logger.WithComponent("tunnel"),
		routes.NewManager(logger.WithComponent("routes")),
		dns.NewManager(logger.WithComponent("dns")),
	)
	a.controller = state.NewController(logger.WithComponent("session"), a.engine, adapter, materializer, a.service, state.Options{
		StartTimeout:     cfg.StartTimeout,
		StopTimeout:      cfg.StopTimeout,
		WatchdogInterval: cfg.WatchdogTick,
	})
	a.service.AttachSession(a.controller)
	if p, ok := a.engine.(*engine.Process); ok {
		p.SetExitHandler(a.controller.EngineExited)
	}

	a.ui = ui.NewManager(ui.Options{
		AppID:   appID,
		AppName: appName,
		Logger:  logger.WithComponent("ui"),
		Backend: &backend{Service: a.service, app: a},
		OnQuit:  a.Stop,
	})
	a.notifier = notify.New(logger.WithComponent("notify"), appName, a.ui.Notify)

	if !cfg.IPC.Disabled {
		a.ipc = ipc.NewServer(a.controller, a.Versions, logger.WithComponent("ipc"))
	}
	return a, nil
}

func (a *Application) newEngine() engine.Engine {
	if a.cfg.Engine.Mode == config.EngineModeProcess {
		launcher := process.NewLauncher(a.logger.WithComponent("process"))
		return engine.NewProcess(launcher, a.logger.WithComponent("engine"), engine.ProcessOptions{
			CorePath:    a.cfg.Engine.CorePath,
			LogFile:     a.cfg.CoreLogFile,
			PIDFile:     filepath.Join(a.cfg.RuntimeDir, "xray.pid"),
			StopTimeout: a.cfg.StopTimeout,
		})
	}
	return engine.NewEmbedded(a.logger.WithComponent("xray"), a.cfg.AssetsDir)
}

// Run подписывает наблюдателей, проводит сверку состояния и запускает IPC.
func (a *Application) Run() error {
	a.controller.Subscribe(ObserverUI, a.ui.Observe)
	a.controller.Subscribe(observerNotify, a.notifier.Observe)
	a.ui.Start()

	a.goSafe("reconcile", func() {
		ctx, cancel := context.WithTimeout(a.runCtx, a.cfg.StopTimeout+time.Second)
		defer cancel()
		if err := a.controller.Reconcile(ctx); err != nil {
			a.ui.ShowError(fmt.Errorf("не удалось остановить движок прошлого запуска: %w", err))
		}
		a.controller.StartWatchdog()
	})

	if a.ipc != nil {
		a.goSafe("ipc", func() {
			if err := a.ipc.Listen(a.cfg.IPC.Address); err != nil {
				a.logger.Errorf("ipc server stopped: %v", err)
			}
		})
	}
	return nil
}

// RunUILoop запускает главный цикл Fyne и блокирует вызывающую горутину до выхода.
func (a *Application) RunUILoop() {
	a.ui.RunMainLoop()
}

// Stop останавливает сессию, IPC и UI. Повторные вызовы ничего не делают.
func (a *Application) Stop() {
	a.stopOnce.Do(func() {
		a.runCancel()
		if snap := a.controller.CurrentState(); snap.State == state.StateRunning {
			ctx, cancel := context.WithTimeout(context.Background(), a.cfg.StopTimeout+time.Second)
			if _, err := a.controller.Stop(ctx, "shutdown"); err != nil {
				a.logger.Errorf("stop session on exit: %v", err)
			}
			cancel()
		}
		if a.ipc != nil {
			a.ipc.Shutdown(shutdownTimeout)
		}
		a.controller.Close()
		a.notifier.Wait()
		a.ui.Shutdown()
		if !a.ui.WaitAsync(shutdownTimeout) {
			a.logger.Errorf("ui background tasks did not finish before timeout")
		}
		a.wg.Wait()
		close(a.shutdown)
	})
}

// Done возвращает канал, закрывающийся после полной остановки приложения.
func (a *Application) Done() <-chan struct{} {
	return a.shutdown
}

// Versions возвращает версии приложения и движка.
func (a *Application) Versions(ctx context.Context) ipc.Versions {
	v := ipc.Versions{App: a.version}
	engineVersion, err := a.engine.Version(ctx)
	if err != nil {
		a.logger.Warnf("engine version: %v", err)
		engineVersion = "unknown"
	}
	v.Engine = engineVersion
	return v
}

func (a *Application) goSafe(name string, fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				a.logger.Errorf("panic in %s: %v\n%s", name, r, debug.Stack())
			}
		}()
		fn()
	}()
}

// backend отдаёт UI операции сервиса и контроллера.
type backend struct {
	*Service
	app *Application
}

func (b *backend) Toggle(ctx context.Context, by state.ObserverID) (state.Snapshot, error) {
	snap, err := b.app.controller.Toggle(ctx, by)
	if errors.Is(err, state.ErrBusy) {
		b.app.logger.Debugf("toggle from %s ignored: %v", by, err)
	}
	return snap, err
}

func (b *backend) Versions(ctx context.Context) ipc.Versions {
	return b.app.Versions(ctx)
}
