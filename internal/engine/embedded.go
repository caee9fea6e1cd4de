package engine

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	xlog "github.com/xtls/xray-core/common/log"
	xcore "github.com/xtls/xray-core/core"
	_ "github.com/xtls/xray-core/main/distro/all"

	"xraytun/internal/logging"
)

const assetLocationEnv = "XRAY_LOCATION_ASSET"

type logBridge struct {
	logger *logging.Logger
}

func (b *logBridge) Handle(msg xlog.Message) {
	b.logger.Debugf("%s", msg.String())
}

// Embedded запускает xray-core внутри процесса приложения.
type Embedded struct {
	logger *logging.Logger

	mu       sync.Mutex
	instance *xcore.Instance
}

// NewEmbedded создаёт встроенный движок; assetsDir указывает на geoip.dat и geosite.dat.
func NewEmbedded(logger *logging.Logger, assetsDir string) *Embedded {
	if assetsDir != "" {
		_ = os.Setenv(assetLocationEnv, assetsDir)
	}
	return &Embedded{logger: logger}
}

// Start читает конфигурацию и запускает экземпляр. Если ctx истекает раньше,
// поздно поднявшийся экземпляр закрывается.
func (e *Embedded) Start(ctx context.Context, configPath string) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("read engine config: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.instance != nil {
		return fmt.Errorf("engine already running")
	}

	type result struct {
		instance *xcore.Instance
		err      error
	}
	done := make(chan result, 1)
	go func() {
		instance, err := xcore.StartInstance("json", data)
		done <- result{instance, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return fmt.Errorf("start xray instance: %w", res.err)
		}
		xlog.RegisterHandler(&logBridge{logger: e.logger})
		e.instance = res.instance
		e.logger.Infof("xray-core %s started", xcore.Version())
		return nil
	case <-ctx.Done():
		go func() {
			if res := <-done; res.instance != nil {
				_ = res.instance.Close()
			}
		}()
		return ctx.Err()
	}
}

// Stop закрывает экземпляр; повторный вызов ничего не делает.
func (e *Embedded) Stop(ctx context.Context) error {
	e.mu.Lock()
	instance := e.instance
	e.instance = nil
	e.mu.Unlock()
	if instance == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- instance.Close() }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("close xray instance: %w", err)
		}
		e.logger.Infof("xray-core stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Embedded) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.instance != nil
}

func (e *Embedded) Version(context.Context) (string, error) {
	return xcore.Version(), nil
}

// Check собирает экземпляр из конфигурации и сразу закрывает его, не открывая сокеты.
func (e *Embedded) Check(_ context.Context, configPath string) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("read engine config: %w", err)
	}
	cfg, err := xcore.LoadConfig("json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("load config: %s", strings.TrimSpace(err.Error()))
	}
	instance, err := xcore.New(cfg)
	if err != nil {
		return fmt.Errorf("build instance: %w", err)
	}
	return instance.Close()
}
