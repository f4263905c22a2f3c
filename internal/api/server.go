package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"fjacquet/sms-ledger/internal/logging"
)

const shutdownTimeout = 10 * time.Second

// ServerOptions configure Serve.
type ServerOptions struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Serve runs handler until ctx is cancelled, then drains in-flight requests.
func Serve(ctx context.Context, handler http.Handler, opts ServerOptions, logger logging.Logger) error {
	logger = logging.OrDiscard(logger)
	srv := &http.Server{
		Addr:              opts.Address,
		Handler:           handler,
		ReadTimeout:       opts.ReadTimeout,
		ReadHeaderTimeout: opts.ReadTimeout,
		WriteTimeout:      opts.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("API server listening", logging.F("address", opts.Address))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	logger.Info("Shutting down API server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
