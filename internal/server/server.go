package server

import (
	"context"
	"errors"
	stdlog "log"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/alexdev-tb/submission-evaluator/internal/config"
	"github.com/alexdev-tb/submission-evaluator/internal/logging"
)

var ErrServerClosed = http.ErrServerClosed

type Server struct {
	cfg  config.HTTP
	http *http.Server
	log  *logrus.Entry
}

func New(cfg config.HTTP, handler http.Handler, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = logging.Component(log, "http")

	httpSrv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		ErrorLog:     stdlog.New(log.WriterLevel(logrus.WarnLevel), "", 0),
	}

	return &Server{cfg: cfg, http: httpSrv, log: log}
}

// Run serves until ctx is cancelled, then drains in-flight requests within
// the shutdown timeout. A clean stop returns ErrServerClosed.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.log.WithField("addr", s.http.Addr).Info("listening")
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return ErrServerClosed
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return ErrServerClosed
		}
		return err
	}
}
