package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzhttp"

	"xraytun/internal/logging"
)

const shutdownTimeout = 5 * time.Second

// newHandler builds the routed, authenticated and compressed handler.
func newHandler(config *ServerConfig, cat *catalog, logger *logging.Logger) http.Handler {
	h := &handlers{catalog: cat, logger: logger}
	protected := http.NewServeMux()
	protected.HandleFunc("GET /profiles", h.list)
	protected.HandleFunc("GET /profiles/{id}", h.get)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.health)
	mux.Handle("/profiles", authMiddleware(config.Tokens, logger, protected))
	mux.Handle("/profiles/", authMiddleware(config.Tokens, logger, protected))

	return loggingMiddleware(logger, gzhttp.GzipHandler(mux))
}

// serve runs the HTTP server on ln until ctx is cancelled, then shuts down gracefully.
func serve(ctx context.Context, ln net.Listener, handler http.Handler, logger *logging.Logger) error {
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("starting server on %s", ln.Addr())
		errCh <- server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Infof("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Infof("server exited")
	return nil
}
