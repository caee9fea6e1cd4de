// Command profile-server раздаёт JSON-конфигурации xray по токену.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"xraytun/internal/logging"
)

func main() {
	configPath := flag.String("config", "server-config.yaml", "path to server config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	config, err := LoadServerConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.NewWriter(os.Stderr, logging.ParseLevel(config.LogLevel)).WithComponent("profile-server")
	logger.Infof("loaded config from %s", configPath)

	entries, err := LoadProfiles(config.ProfilesDir)
	if err != nil {
		return fmt.Errorf("load profiles: %w", err)
	}
	cat := newCatalog(entries)
	logger.Infof("loaded %d profiles from %s", len(entries), config.ProfilesDir)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go reloadOnHangup(ctx, config.ProfilesDir, cat, logger)

	ln, err := net.Listen("tcp", config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", config.ListenAddr, err)
	}
	return serve(ctx, ln, newHandler(config, cat, logger), logger)
}

// reloadOnHangup перечитывает каталог по SIGHUP. Ошибочный каталог не заменяет рабочий.
func reloadOnHangup(ctx context.Context, dir string, cat *catalog, logger *logging.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			entries, err := LoadProfiles(dir)
			if err != nil {
				logger.Errorf("reload profiles: %v", err)
				continue
			}
			cat.replace(entries)
			logger.Infof("reloaded %d profiles", len(entries))
		}
	}
}
