// Package ui содержит окно и меню трея на fyne. Все изменения виджетов
// выполняются в goroutine fyne; долгие операции уходят в фон.
package ui

import (
	"context"
	"errors"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"fyne.io/fyne/v2"
	fyneapp "fyne.io/fyne/v2/app"
	"fyne.io/fyne/v2/canvas"
	"fyne.io/fyne/v2/dialog"
	"fyne.io/fyne/v2/driver/desktop"
	"fyne.io/fyne/v2/widget"

	"xraytun/internal/ipc"
	"xraytun/internal/logging"
	"xraytun/internal/probe"
	"xraytun/internal/profile"
	"xraytun/internal/settings"
	"xraytun/internal/state"
)

const (
	observerWindow state.ObserverID = "ui"
	observerTray   state.ObserverID = "tray"

	operationTimeout = 30 * time.Second
)

// Backend описывает операции, доступные из окна и трея.
type Backend interface {
	Toggle(ctx context.Context, by state.ObserverID) (state.Snapshot, error)
	Profiles() ([]profile.Profile, error)
	Selected() (string, error)
	Select(id string) (string, error)
	SaveProfile(ctx context.Context, p profile.Profile) (string, error)
	DeleteProfile(id string) error
	MoveProfile(from, to int) error
	Import(ctx context.Context, text string) (profile.Profile, error)
	Ping(ctx context.Context) (probe.Result, error)
	Settings() (settings.Settings, error)
	SaveSettings(value settings.Settings) error
	UpdateAssets(ctx context.Context) error
	Versions(ctx context.Context) ipc.Versions
}

// Options описывает параметры инициализации UI Manager.
type Options struct {
	AppID   string
	AppName string
	Logger  *logging.Logger
	Backend Backend
	// OnQuit вызывается в фоне, когда пользователь закрывает приложение.
	OnQuit func()
}

// Manager управляет окном Fyne и меню трея.
type Manager struct {
	app     fyne.App
	appName string
	logger  *logging.Logger
	backend Backend
	onQuit  func()

	mainWin      fyne.Window
	statusCircle *canvas.Circle
	statusLabel  *widget.Label
	errorLabel   *widget.Label
	spinner      *widget.ProgressBarInfinite
	toggleBtn    *widget.Button
	pingBtn      *widget.Button
	pingLabel    *widget.Label
	versionLabel *widget.Label
	profileList  *widget.List
	editBtns     []*widget.Button

	trayMenu *fyne.Menu
	trayItem *fyne.MenuItem

	// поля ниже меняются только в goroutine fyne
	profiles []profile.Profile
	selected string
	snap     state.Snapshot

	updateCh     chan state.Snapshot
	stopCh       chan struct{}
	runOnce      sync.Once
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// NewManager создаёт окно и меню трея.
func NewManager(opts Options) *Manager {
	appID := strings.TrimSpace(opts.AppID)
	if appID == "" {
		appID = "xraytun.desktop"
	}
	name := strings.TrimSpace(opts.AppName)
	if name == "" {
		name = "XrayTun"
	}
	fyneApp := fyneapp.NewWithID(appID)
	fyneApp.Settings().SetTheme(newAppTheme())
	m := &Manager{
		app:      fyneApp,
		appName:  name,
		logger:   opts.Logger,
		backend:  opts.Backend,
		onQuit:   opts.OnQuit,
		snap:     state.Snapshot{State: state.StateStopped},
		updateCh: make(chan state.Snapshot, 16),
		stopCh:   make(chan struct{}),
	}
	m.buildMainWindow()
	m.buildTray()
	fyneApp.Lifecycle().SetOnStopped(func() {
		if m.onQuit != nil {
			go m.onQuit()
		}
	})
	return m
}

// Start запускает обработку снимков и загружает список профилей.
func (m *Manager) Start() {
	m.runOnce.Do(func() {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.processUpdates()
		}()
		m.async("load", func(ctx context.Context) {
			m.reloadProfiles()
			v := m.backend.Versions(ctx)
			m.callOnUI(func() {
				m.versionLabel.SetText("Приложение " + v.App + " · " + v.Engine)
			})
		})
	})
}

// RunMainLoop блокирует текущую горутину до завершения цикла Fyne.
func (m *Manager) RunMainLoop() {
	m.mainWin.Show()
	m.app.Run()
}

// Shutdown останавливает обновления и закрывает Fyne-приложение.
func (m *Manager) Shutdown() {
	m.shutdownOnce.Do(func() {
		close(m.stopCh)
		m.callOnUI(func() {
			m.mainWin.Close()
			m.app.Quit()
		})
	})
}

// WaitAsync ждёт завершения фоновых UI goroutine.
func (m *Manager) WaitAsync(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Observe принимает снимки контроллера. Если UI не успевает, старый снимок заменяется новым.
func (m *Manager) Observe(snap state.Snapshot) {
	select {
	case <-m.stopCh:
		return
	case m.updateCh <- snap:
	default:
		select {
		case <-m.updateCh:
		default:
		}
		m.updateCh <- snap
	}
}

// Notify показывает системное уведомление fyne.
func (m *Manager) Notify(title, message string) error {
	m.app.SendNotification(fyne.NewNotification(title, message))
	return nil
}

// ShowError показывает ошибку в окне.
func (m *Manager) ShowError(err error) {
	m.callOnUI(func() {
		dialog.ShowError(errors.New(userMessage(err)), m.mainWin)
	})
}

func (m *Manager) processUpdates() {
	for {
		select {
		case <-m.stopCh:
			return
		case snap := <-m.updateCh:
			reload := snap.State.Terminal()
			m.callOnUI(func() { m.applySnapshot(snap) })
			if reload {
				m.reloadProfiles()
			}
		}
	}
}

func (m *Manager) applySnapshot(snap state.Snapshot) {
	m.snap = snap
	m.statusLabel.SetText(stateText(snap))
	m.errorLabel.SetText(snap.LastError)
	m.statusCircle.FillColor = stateColor(snap.State)
	m.statusCircle.Refresh()
	if snap.State.Terminal() {
		m.spinner.Stop()
		m.spinner.Hide()
		m.toggleBtn.Enable()
	} else {
		m.spinner.Show()
		m.spinner.Start()
		m.toggleBtn.Disable()
	}
	m.toggleBtn.SetText(toggleLabel(snap.State))
	if snap.State == state.StateRunning {
		m.pingBtn.Enable()
	} else {
		m.pingBtn.Disable()
		m.pingLabel.SetText("")
	}
	for _, btn := range m.editBtns {
		if snap.State == state.StateStopped {
			btn.Enable()
		} else {
			btn.Disable()
		}
	}
	if m.trayItem != nil {
		m.trayItem.Label = trayLabel(snap.State)
		m.trayItem.Disabled = !snap.State.Terminal()
		m.trayMenu.Refresh()
	}
	m.profileList.Refresh()
}

// reloadProfiles читает профили в фоне и обновляет список в goroutine fyne.
func (m *Manager) reloadProfiles() {
	list, err := m.backend.Profiles()
	if err != nil {
		m.logger.Errorf("load profiles: %v", err)
		m.ShowError(err)
		return
	}
	selected, err := m.backend.Selected()
	if err != nil {
		m.logger.Errorf("load selection: %v", err)
	}
	m.callOnUI(func() {
		m.profiles = list
		m.selected = selected
		m.profileList.Refresh()
	})
}

// async выполняет операцию в фоне с таймаутом и перехватом паники.
func (m *Manager) async(name string, fn func(ctx context.Context)) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				m.logger.Errorf("panic in ui %s: %v\n%s", name, r, debug.Stack())
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
		defer cancel()
		fn(ctx)
	}()
}

func (m *Manager) toggle(by state.ObserverID) {
	m.async("toggle", func(ctx context.Context) {
		if _, err := m.backend.Toggle(ctx, by); err != nil && !errors.Is(err, state.ErrBusy) {
			m.ShowError(err)
		}
	})
}

func (m *Manager) buildTray() {
	desk, ok := m.app.(desktop.App)
	if !ok {
		m.mainWin.SetCloseIntercept(func() { m.app.Quit() })
		return
	}
	m.trayItem = fyne.NewMenuItem(trayLabel(state.StateStopped), func() { m.toggle(observerTray) })
	show := fyne.NewMenuItem("Открыть окно", func() {
		m.mainWin.Show()
		m.mainWin.RequestFocus()
	})
	m.trayMenu = fyne.NewMenu(m.appName, m.trayItem, fyne.NewMenuItemSeparator(), show)
	desk.SetSystemTrayMenu(m.trayMenu)
	m.mainWin.SetCloseIntercept(func() { m.mainWin.Hide() })
}

func (m *Manager) callOnUI(fn func()) {
	if fn == nil {
		return
	}
	fyne.Do(fn)
}
