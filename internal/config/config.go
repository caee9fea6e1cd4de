package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"xraytun/internal/logging"
)

// ErrConfigFailed обозначает любую проблему с чтением или разбором config.yaml.
var ErrConfigFailed = errors.New("config: failed to load")

const (
	EngineModeEmbedded = "embedded"
	EngineModeProcess  = "process"
)

// Config описывает пользовательские настройки приложения и вычисляемые пути.
type Config struct {
	DataDir    string         `yaml:"data_dir"`
	RuntimeDir string         `yaml:"runtime_dir"`
	AssetsDir  string         `yaml:"assets_dir"`
	Engine     EngineConfig   `yaml:"engine"`
	Watchdog   WatchdogConfig `yaml:"watchdog"`
	IPC        IPCConfig      `yaml:"ipc"`
	LogLevel   string         `yaml:"log_level"`
	LogFile    string         `yaml:"log_file"`

	AppDir       string        `yaml:"-"`
	CoreLogFile  string        `yaml:"-"`
	ProfilesFile string        `yaml:"-"`
	SettingsFile string        `yaml:"-"`
	StartTimeout time.Duration `yaml:"-"`
	StopTimeout  time.Duration `yaml:"-"`
	WatchdogTick time.Duration `yaml:"-"`
}

// EngineConfig выбирает реализацию движка и его таймауты.
type EngineConfig struct {
	Mode         string `yaml:"mode"`
	CorePath     string `yaml:"core_path"`
	StartTimeout string `yaml:"start_timeout"`
	StopTimeout  string `yaml:"stop_timeout"`
}

// WatchdogConfig задаёт период проверки живости движка.
type WatchdogConfig struct {
	Interval string `yaml:"interval"`
}

// IPCConfig описывает адрес управляющего канала (unix socket или named pipe).
type IPCConfig struct {
	Disabled bool   `yaml:"disabled"`
	Address  string `yaml:"address"`
}

// Error содержит дополнительный контекст при неудачной загрузке конфигурации.
type Error struct {
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ErrConfigFailed.Error()
	}
	return fmt.Sprintf("%v: %s: %v", ErrConfigFailed, e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// DetectAppDir возвращает каталог, в котором находится исполняемый файл.
func DetectAppDir() (string, error) {
	exePath, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("detect executable: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(exePath)
	if err == nil {
		exePath = resolved
	}
	return filepath.Dir(exePath), nil
}

// DefaultPath возвращает путь к config.yaml относительно каталога приложения.
func DefaultPath(appDir string) string {
	return filepath.Join(appDir, "config.yaml")
}

// DefaultIPCAddress возвращает адрес управляющего канала для текущей ОС.
func DefaultIPCAddress(appDir string) string {
	if runtime.GOOS == "windows" {
		return `\\.\pipe\xraytun`
	}
	return filepath.Join(appDir, "xraytun.sock")
}

// Load читает и валидирует YAML конфигурации, применяя appDir ко всем относительным путям.
func Load(path string, appDir string) (*Config, error) {
	if path == "" {
		return nil, &Error{Path: path, Err: errors.New("config path is empty")}
	}
	if appDir == "" {
		return nil, &Error{Path: path, Err: errors.New("app directory is empty")}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Path: path, Err: err}
	}
	cfg, err := Parse(data, appDir)
	if err != nil {
		return nil, &Error{Path: path, Err: err}
	}
	if err := cfg.ensureDirectories(); err != nil {
		return nil, &Error{Path: path, Err: err}
	}
	return cfg, nil
}

// Parse разбирает YAML без обращения к файловой системе.
func Parse(data []byte, appDir string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.AppDir = appDir
	cfg.LogLevel = normalizeLogLevel(cfg.LogLevel)
	cfg.applyDefaults()
	cfg.applyAppDir()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.RuntimeDir == "" {
		c.RuntimeDir = "runtime"
	}
	if c.AssetsDir == "" {
		c.AssetsDir = "assets"
	}
	if c.LogFile == "" {
		c.LogFile = filepath.Join("logs", "xraytun.log")
	}
	c.Engine.Mode = strings.ToLower(strings.TrimSpace(c.Engine.Mode))
	if c.Engine.Mode == "" {
		c.Engine.Mode = EngineModeEmbedded
	}
	if c.Engine.StartTimeout == "" {
		c.Engine.StartTimeout = "5s"
	}
	if c.Engine.StopTimeout == "" {
		c.Engine.StopTimeout = "5s"
	}
	if c.Watchdog.Interval == "" {
		c.Watchdog.Interval = "2s"
	}
	if c.IPC.Address == "" && c.AppDir != "" {
		c.IPC.Address = DefaultIPCAddress(c.AppDir)
	}
}

func (c *Config) applyAppDir() {
	if c.AppDir == "" {
		return
	}
	c.AppDir = filepath.Clean(c.AppDir)
	c.DataDir = makeAbsolute(c.DataDir, c.AppDir)
	c.RuntimeDir = makeAbsolute(c.RuntimeDir, c.AppDir)
	c.AssetsDir = makeAbsolute(c.AssetsDir, c.AppDir)
	c.Engine.CorePath = makeAbsolute(c.Engine.CorePath, c.AppDir)
	c.LogFile = makeAbsolute(c.LogFile, c.AppDir)
	c.CoreLogFile = logging.ProcessLogPath(c.AppDir, "Core")
	c.ProfilesFile = filepath.Join(c.DataDir, "profiles.yaml")
	c.SettingsFile = filepath.Join(c.DataDir, "settings.yaml")
}

func (c *Config) validate() error {
	switch {
	case c.AppDir == "":
		return errors.New("app directory is unknown")
	case c.LogFile == "":
		return errors.New("log_file is required")
	}
	switch c.Engine.Mode {
	case EngineModeEmbedded:
	case EngineModeProcess:
		if c.Engine.CorePath == "" {
			return errors.New("engine.core_path is required in process mode")
		}
	default:
		return fmt.Errorf("unsupported engine.mode %q", c.Engine.Mode)
	}
	var err error
	if c.StartTimeout, err = parsePositiveDuration("engine.start_timeout", c.Engine.StartTimeout); err != nil {
		return err
	}
	if c.StopTimeout, err = parsePositiveDuration("engine.stop_timeout", c.Engine.StopTimeout); err != nil {
		return err
	}
	if c.WatchdogTick, err = parsePositiveDuration("watchdog.interval", c.Watchdog.Interval); err != nil {
		return err
	}
	if _, ok := allowedLevels[c.LogLevel]; !ok {
		return fmt.Errorf("unsupported log_level %q", c.LogLevel)
	}
	return nil
}

func (c *Config) ensureDirectories() error {
	paths := []string{
		filepath.Dir(c.LogFile),
		filepath.Dir(c.CoreLogFile),
		c.DataDir,
		c.RuntimeDir,
		c.AssetsDir,
	}
	for _, dir := range paths {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

func parsePositiveDuration(field, value string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", field)
	}
	return d, nil
}

func makeAbsolute(path string, base string) string {
	if path == "" {
		return ""
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	if base == "" {
		return filepath.Clean(path)
	}
	return filepath.Join(base, path)
}

func normalizeLogLevel(value string) string {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" {
		return "info"
	}
	return value
}

var allowedLevels = map[string]struct{}{
	"debug": {},
	"info":  {},
	"warn":  {},
	"error": {},
}
