package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"xraytun/internal/assets"
	"xraytun/internal/coreconfig"
	"xraytun/internal/importer"
	"xraytun/internal/logging"
	"xraytun/internal/probe"
	"xraytun/internal/profile"
	"xraytun/internal/settings"
	"xraytun/internal/state"
)

var (
	// ErrProfileInUse возвращается при изменении профиля активной сессии.
	ErrProfileInUse = errors.New("profile is used by the running session")
	// ErrSessionNotRunning возвращается операциями, доступными только в Running.
	ErrSessionNotRunning = errors.New("session is not running")
	// ErrSelectionLocked возвращается при смене выбранного профиля во время сессии.
	ErrSelectionLocked = errors.New("profile selection is locked while the session is running")
)

type sessionView interface {
	CurrentState() state.Snapshot
}

type configChecker interface {
	Check(ctx context.Context, configPath string) error
}

// Service выполняет операции над профилями и настройками для окна, трея и CLI.
// Он же служит источником профиля и настроек для контроллера сессии.
type Service struct {
	logger       *logging.Logger
	profiles     *profile.Store
	settings     *settings.Store
	materializer *coreconfig.Materializer
	checker      configChecker
	importer     *importer.Importer
	prober       *probe.Prober
	assets       *assets.Downloader

	mu      sync.Mutex
	session sessionView

	// editMu упорядочивает правки профилей и выбор профиля контроллером при старте.
	editMu sync.Mutex
}

// ServiceOptions перечисляет зависимости Service.
type ServiceOptions struct {
	Logger       *logging.Logger
	Profiles     *profile.Store
	Settings     *settings.Store
	Materializer *coreconfig.Materializer
	Checker      configChecker
	Importer     *importer.Importer
	Prober       *probe.Prober
	Assets       *assets.Downloader
}

// NewService создаёт сервис. Сессию нужно подключить через AttachSession.
func NewService(opts ServiceOptions) *Service {
	return &Service{
		logger:       opts.Logger,
		profiles:     opts.Profiles,
		settings:     opts.Settings,
		materializer: opts.Materializer,
		checker:      opts.Checker,
		importer:     opts.Importer,
		prober:       opts.Prober,
		assets:       opts.Assets,
	}
}

// AttachSession подключает источник состояния сессии.
func (s *Service) AttachSession(view sessionView) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = view
}

func (s *Service) snapshot() state.Snapshot {
	s.mu.Lock()
	view := s.session
	s.mu.Unlock()
	if view == nil {
		return state.Snapshot{State: state.StateStopped}
	}
	return view.CurrentState()
}

// active возвращает ID профиля, который сейчас использует сессия.
func (s *Service) active() (string, bool) {
	snap := s.snapshot()
	if snap.State == state.StateStopped {
		return "", false
	}
	return snap.ActiveProfileID, true
}

// inUseLocked сообщает, занят ли профиль сессией. Пока идёт Starting, активный
// ID ещё не опубликован, поэтому занятым считается выбранный профиль.
// Вызывается под editMu.
func (s *Service) inUseLocked(id string) (bool, error) {
	activeID, running := s.active()
	if !running || id == "" {
		return false, nil
	}
	if activeID != "" {
		return id == activeID, nil
	}
	current, err := s.settings.Load()
	if err != nil {
		return false, err
	}
	return id == current.SelectedProfile, nil
}

// SelectedProfile реализует state.Source.
func (s *Service) SelectedProfile() (profile.Profile, error) {
	s.editMu.Lock()
	defer s.editMu.Unlock()
	current, err := s.settings.Load()
	if err != nil {
		return profile.Profile{}, err
	}
	if current.SelectedProfile == "" {
		return profile.Profile{}, state.ErrNoProfile
	}
	return s.profiles.Find(current.SelectedProfile)
}

// Settings реализует state.Source.
func (s *Service) Settings() (settings.Settings, error) {
	return s.settings.Load()
}

// SaveSettings сохраняет глобальные настройки. Во время сессии они вступят в силу при следующем запуске.
func (s *Service) SaveSettings(value settings.Settings) error {
	current, err := s.settings.Load()
	if err != nil {
		return err
	}
	value.SelectedProfile = current.SelectedProfile
	if err := s.settings.Save(value); err != nil {
		return err
	}
	if _, running := s.active(); running {
		s.logger.Infof("settings saved, they apply on the next session start")
	}
	return nil
}

// Profiles возвращает профили в порядке индексов.
func (s *Service) Profiles() ([]profile.Profile, error) {
	return s.profiles.List()
}

// Selected возвращает ID выбранного профиля или пустую строку.
func (s *Service) Selected() (string, error) {
	current, err := s.settings.Load()
	if err != nil {
		return "", err
	}
	return current.SelectedProfile, nil
}

// Select выбирает профиль. Повторный выбор того же профиля снимает выбор.
// Возвращает новый выбранный ID.
func (s *Service) Select(id string) (string, error) {
	s.editMu.Lock()
	defer s.editMu.Unlock()
	if _, running := s.active(); running {
		return "", ErrSelectionLocked
	}
	if id != "" {
		if _, err := s.profiles.Find(id); err != nil {
			return "", err
		}
	}
	updated, err := s.settings.Update(func(v *settings.Settings) {
		if v.SelectedProfile == id {
			v.SelectedProfile = ""
			return
		}
		v.SelectedProfile = id
	})
	if err != nil {
		return "", err
	}
	return updated.SelectedProfile, nil
}

// SaveProfile проверяет конфигурацию движком и сохраняет профиль.
// Новый профиль (пустой ID) встаёт в начало списка.
func (s *Service) SaveProfile(ctx context.Context, p profile.Profile) (string, error) {
	if activeID, running := s.active(); running && p.ID != "" && p.ID == activeID {
		return "", ErrProfileInUse
	}
	if err := s.CheckProfile(ctx, p); err != nil {
		return "", err
	}

	s.editMu.Lock()
	defer s.editMu.Unlock()
	// пока шла проверка, сессия могла стартовать с этим профилем
	if inUse, err := s.inUseLocked(p.ID); err != nil {
		return "", err
	} else if inUse {
		return "", ErrProfileInUse
	}
	id, err := s.profiles.Save(p)
	if err != nil {
		return "", err
	}
	s.logger.Infof("profile %s saved (%s)", id, p.Name)
	return id, nil
}

// CheckProfile собирает конфигурацию с текущими настройками, записывает test.json
// и проверяет её движком без запуска.
func (s *Service) CheckProfile(ctx context.Context, p profile.Profile) error {
	current, err := s.settings.Load()
	if err != nil {
		return err
	}
	built, err := coreconfig.Build(p, current)
	if err != nil {
		return err
	}
	if s.checker == nil {
		return nil
	}
	path, err := s.materializer.WriteTest(string(built.Engine))
	if err != nil {
		return err
	}
	if err := s.checker.Check(ctx, path); err != nil {
		return fmt.Errorf("engine rejected config: %w", err)
	}
	return nil
}

// DeleteProfile удаляет профиль. Выбранный профиль сначала снимается с выбора.
func (s *Service) DeleteProfile(id string) error {
	s.editMu.Lock()
	defer s.editMu.Unlock()
	if inUse, err := s.inUseLocked(id); err != nil {
		return err
	} else if inUse {
		return ErrProfileInUse
	}
	if _, err := s.settings.Update(func(v *settings.Settings) {
		if v.SelectedProfile == id {
			v.SelectedProfile = ""
		}
	}); err != nil {
		return err
	}
	removed, err := s.profiles.Remove(id)
	if err != nil {
		return err
	}
	s.logger.Infof("profile %s deleted (index %d)", removed.ID, removed.Index)
	return nil
}

// MoveProfile меняет порядок профилей.
func (s *Service) MoveProfile(from, to int) error {
	return s.profiles.Move(from, to)
}

// Import скачивает или разбирает ссылку и сохраняет профиль в начало списка.
func (s *Service) Import(ctx context.Context, text string) (profile.Profile, error) {
	p, err := s.importer.Import(ctx, text)
	if err != nil {
		return profile.Profile{}, err
	}
	p.Name = strings.TrimSpace(p.Name)
	id, err := s.profiles.Save(p)
	if err != nil {
		return profile.Profile{}, err
	}
	return s.profiles.Find(id)
}

// Ping измеряет задержку через SOCKS-вход активной сессии.
func (s *Service) Ping(ctx context.Context) (probe.Result, error) {
	if s.snapshot().State != state.StateRunning {
		return probe.Result{}, ErrSessionNotRunning
	}
	current, err := s.settings.Load()
	if err != nil {
		return probe.Result{}, err
	}
	return s.prober.Measure(ctx, current), nil
}

// UpdateAssets скачивает geoip.dat и geosite.dat по адресам из настроек.
func (s *Service) UpdateAssets(ctx context.Context) error {
	current, err := s.settings.Load()
	if err != nil {
		return err
	}
	return s.assets.Update(ctx, current)
}
