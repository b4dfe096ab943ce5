package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Service is a long-running task owned by the Supervisor.
type Service interface {
	Name() string
	Run(ctx context.Context) error
}

// ServiceFunc adapts a named function to Service.
type ServiceFunc struct {
	ServiceName string
	Fn          func(ctx context.Context) error
}

func (s ServiceFunc) Name() string                  { return s.ServiceName }
func (s ServiceFunc) Run(ctx context.Context) error { return s.Fn(ctx) }

// Supervisor starts every registered service on its own goroutine, restarts
// a service that panics, and returns once all of them have stopped.
type Supervisor struct {
	log          *slog.Logger
	services     []Service
	restartDelay time.Duration
}

// NewSupervisor constructs an empty Supervisor.
func NewSupervisor(log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{log: log, restartDelay: time.Second}
}

// Add registers a service. Call before Run.
func (s *Supervisor) Add(svc Service) {
	s.services = append(s.services, svc)
}

// Run blocks until ctx is cancelled and every service has returned, or until
// one service fails, which cancels the rest.
func (s *Supervisor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, svc := range s.services {
		g.Go(func() error {
			return s.supervise(gctx, svc)
		})
	}
	err := g.Wait()
	s.log.Info("supervisor_stopped", slog.Int("services", len(s.services)))
	return err
}

func (s *Supervisor) supervise(ctx context.Context, svc Service) error {
	log := s.log.With(slog.String("service", svc.Name()))
	for {
		log.Info("service_start")
		panicked, err := s.runOnce(ctx, svc)
		if !panicked {
			if err != nil {
				log.Error("service_failed", slog.String("err", err.Error()))
				return fmt.Errorf("%s: %w", svc.Name(), err)
			}
			log.Info("service_stopped")
			return nil
		}
		log.Error("service_panicked", slog.String("err", err.Error()), slog.Duration("restart_in", s.restartDelay))
		if sleepErr := sleepWithContext(ctx, s.restartDelay); sleepErr != nil {
			return nil
		}
	}
}

func (s *Supervisor) runOnce(ctx context.Context, svc Service) (panicked bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			panicked = true
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return false, svc.Run(ctx)
}
