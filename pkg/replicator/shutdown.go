package replicator

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// ShutdownHandler manages graceful shutdown of the service
type ShutdownHandler struct {
	service         *Service
	logger          *logrus.Logger
	shutdownTimeout time.Duration
	signals         []os.Signal
	hooks           []ShutdownHook
	mu              sync.RWMutex
	isShuttingDown  bool
}

// ShutdownHook represents a function to call during shutdown
type ShutdownHook struct {
	Name     string
	Priority int // Lower numbers execute first
	Timeout  time.Duration
	Fn       func(ctx context.Context) error
}

// ShutdownHandlerOptions configures the shutdown handler
type ShutdownHandlerOptions struct {
	Service         *Service
	Logger          *logrus.Logger
	ShutdownTimeout time.Duration
	Signals         []os.Signal
}

// NewShutdownHandler creates a new shutdown handler
func NewShutdownHandler(opts ShutdownHandlerOptions) *ShutdownHandler {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.ShutdownTimeout == 0 {
		opts.ShutdownTimeout = 30 * time.Second
	}
	if opts.Signals == nil {
		opts.Signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT}
	}

	return &ShutdownHandler{
		service:         opts.Service,
		logger:          opts.Logger,
		shutdownTimeout: opts.ShutdownTimeout,
		signals:         opts.Signals,
	}
}

// AddHook adds a shutdown hook to run before the service stops
func (sh *ShutdownHandler) AddHook(hook ShutdownHook) {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if hook.Timeout == 0 {
		hook.Timeout = 10 * time.Second
	}
	sh.hooks = append(sh.hooks, hook)
	sort.SliceStable(sh.hooks, func(i, j int) bool { return sh.hooks[i].Priority < sh.hooks[j].Priority })

	sh.logger.WithFields(logrus.Fields{
		"hook":     hook.Name,
		"priority": hook.Priority,
		"timeout":  hook.Timeout,
	}).Debug("Added shutdown hook")
}

// Wait blocks until a shutdown signal arrives or ctx is done, then shuts down
func (sh *ShutdownHandler) Wait(ctx context.Context) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, sh.signals...)
	defer signal.Stop(sigChan)

	sh.logger.WithField("signals", sh.signals).Info("Waiting for shutdown signal")

	select {
	case sig := <-sigChan:
		sh.logger.WithField("signal", sig).Info("Received shutdown signal")
	case <-ctx.Done():
		sh.logger.Info("Context done, shutting down")
	}
	return sh.Shutdown()
}

// Shutdown runs the hooks in priority order and then stops the service
func (sh *ShutdownHandler) Shutdown() error {
	sh.mu.Lock()
	if sh.isShuttingDown {
		sh.mu.Unlock()
		return fmt.Errorf("shutdown already in progress")
	}
	sh.isShuttingDown = true
	sh.mu.Unlock()

	sh.logger.Info("Starting graceful shutdown")
	startTime := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), sh.shutdownTimeout)
	defer cancel()

	var shutdownError error
	if err := sh.executeHooks(ctx); err != nil {
		sh.logger.WithError(err).Error("Some shutdown hooks failed")
		shutdownError = err
	}

	if sh.service != nil && sh.service.GetStatus() == StatusRunning {
		if err := sh.service.Stop(ctx); err != nil {
			sh.logger.WithError(err).Error("Failed to stop service")
			if shutdownError == nil {
				shutdownError = err
			}
		}
	}

	duration := time.Since(startTime)
	if shutdownError == nil {
		sh.logger.WithField("duration", duration).Info("Graceful shutdown completed successfully")
	} else {
		sh.logger.WithFields(logrus.Fields{
			"duration": duration,
			"error":    shutdownError,
		}).Error("Graceful shutdown completed with errors")
	}
	return shutdownError
}

func (sh *ShutdownHandler) executeHooks(ctx context.Context) error {
	sh.mu.RLock()
	hooks := make([]ShutdownHook, len(sh.hooks))
	copy(hooks, sh.hooks)
	sh.mu.RUnlock()

	var errs []error
	for _, hook := range hooks {
		hookCtx, hookCancel := context.WithTimeout(ctx, hook.Timeout)
		hookStart := time.Now()
		err := hook.Fn(hookCtx)
		hookCancel()

		if err != nil {
			sh.logger.WithFields(logrus.Fields{
				"hook":     hook.Name,
				"duration": time.Since(hookStart),
				"error":    err,
			}).Error("Shutdown hook failed")
			errs = append(errs, fmt.Errorf("hook %s failed: %w", hook.Name, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown hooks failed: %v", errs)
	}
	return nil
}

// IsShuttingDown returns true if shutdown is in progress
func (sh *ShutdownHandler) IsShuttingDown() bool {
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.isShuttingDown
}

// GetHooks returns a copy of all registered hooks
func (sh *ShutdownHandler) GetHooks() []ShutdownHook {
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	hooks := make([]ShutdownHook, len(sh.hooks))
	copy(hooks, sh.hooks)
	return hooks
}

// TerminateConnectionsHook sends terminate to each running connection
// workflow before the runtime drains
func TerminateConnectionsHook(s *Service, connectionIDs func() []string) ShutdownHook {
	return ShutdownHook{
		Name:     "terminate_connections",
		Priority: 5,
		Timeout:  5 * time.Second,
		Fn: func(ctx context.Context) error {
			for _, id := range connectionIDs() {
				if err := s.TerminateConnection(ctx, id, "shutdown"); err != nil {
					s.logger.WithError(err).WithField("connection_id", id).Debug("Connection not terminated")
				}
			}
			return nil
		},
	}
}
