package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/jagv94/Action-RPG-Guide-TFG/internal/logger"
)

// shutdownTimeout bounds graceful shutdown once ctx is done.
const shutdownTimeout = 5 * time.Second

// Run listens on addr and serves h until ctx is done, then shuts down gracefully.
func Run(ctx context.Context, addr string, h http.Handler) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return Serve(ctx, lis, h)
}

// Serve serves h on lis until ctx is done. It returns nil after a clean shutdown.
func Serve(ctx context.Context, lis net.Listener, h http.Handler) error {
	log := logger.Component("server")
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", lis.Addr().String()).Msg("http server listening")
		errCh <- srv.Serve(lis)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	log.Info().Msg("http server stopped")
	return nil
}
