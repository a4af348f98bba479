package frontend

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tiberiuv/pgdog/pkg/backend"
	"github.com/tiberiuv/pgdog/pkg/config"
	"github.com/tiberiuv/pgdog/pkg/observability"
)

// Service accepts client connections for all configured databases and runs
// a Session per connection.
type Service struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	config  *config.Config
	secrets *config.SecretCache
	metrics *observability.Metrics

	databases []*backend.Database
	nextPID   atomic.Uint32
}

// NewService creates a Service with the given configuration. It validates
// the config by fetching all referenced secrets, and creates the server
// connection pools. Pools are lazy, so unreachable servers do not fail
// startup.
func NewService(ctx context.Context, cfg *config.Config, secrets *config.SecretCache, metrics *observability.Metrics, logger *slog.Logger) (*Service, error) {
	if err := cfg.Validate(ctx, secrets); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	innerCtx, cancel := context.WithCancel(ctx)

	databases := make([]*backend.Database, 0, len(cfg.Databases))
	for _, dbCfg := range cfg.Databases {
		db, err := backend.NewDatabase(innerCtx, dbCfg, secrets, logger)
		if err != nil {
			for _, prev := range databases {
				prev.Close()
			}
			cancel()
			return nil, fmt.Errorf("failed to create database %s: %w", dbCfg.Name, err)
		}
		databases = append(databases, db)
	}

	svc := &Service{
		ctx:       innerCtx,
		cancel:    cancel,
		logger:    logger,
		config:    cfg,
		secrets:   secrets,
		metrics:   metrics,
		databases: databases,
	}
	// Start client PIDs well clear of any real server PID range.
	svc.nextPID.Store(1 << 20)
	return svc, nil
}

// Databases returns the service's server connection pools.
func (s *Service) Databases() []*backend.Database {
	return s.databases
}

// Listen starts listening for client connections on all configured
// addresses and blocks until the service's context is cancelled or a
// listener fails. Sessions in progress are allowed to finish draining
// before Listen returns.
func (s *Service) Listen() error {
	type dbListener struct {
		db        *backend.Database
		dbConfig  *config.DatabaseConfig
		tlsConfig *tls.Config
		listener  net.Listener
	}

	var listeners []dbListener

	for i := range s.config.Databases {
		dbCfg := &s.config.Databases[i]
		tlsConfig, err := dbCfg.TLS.NewTLS()
		if err != nil {
			for _, dl := range listeners {
				_ = dl.listener.Close()
			}
			return fmt.Errorf("failed to build TLS config for %s: %w", dbCfg.Name, err)
		}

		for _, addr := range dbCfg.Listen {
			ln, err := net.Listen("tcp", addr.String())
			if err != nil {
				// Close any listeners we already opened.
				for _, dl := range listeners {
					_ = dl.listener.Close()
				}
				return fmt.Errorf("failed to listen on %s: %w", addr, err)
			}
			listeners = append(listeners, dbListener{
				db:        s.databases[i],
				dbConfig:  dbCfg,
				tlsConfig: tlsConfig,
				listener:  ln,
			})
			s.logger.Info("listening", "addr", addr.String(), "database", dbCfg.Name)
		}
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(listeners))

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.pollPoolStats()
	}()

	for _, dl := range listeners {
		wg.Add(1)
		go func(dl dbListener) {
			defer wg.Done()
			if err := s.acceptLoop(dl.listener, dl.db, dl.dbConfig, dl.tlsConfig); err != nil {
				errCh <- err
			}
		}(dl)
	}

	var firstErr error
	select {
	case <-s.ctx.Done():
		firstErr = s.ctx.Err()
	case err := <-errCh:
		firstErr = err
	}

	s.cancel()

	for _, dl := range listeners {
		_ = dl.listener.Close()
	}

	wg.Wait()

	for _, db := range s.databases {
		db.Close()
	}

	return firstErr
}

// acceptLoop accepts connections on one listener and spawns a Session per
// connection. Returns nil when the listener closes during shutdown.
func (s *Service) acceptLoop(ln net.Listener, db *backend.Database, dbCfg *config.DatabaseConfig, tlsConfig *tls.Config) error {
	source := &databaseSource{db: db}

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept on %s failed: %w", ln.Addr(), err)
		}

		session := NewSession(s.ctx, conn, dbCfg, source, db.Registry(), s.secrets, tlsConfig, s.nextPID.Add(1), s.logger)
		session.metrics = s.metrics
		s.metrics.RecordClientConnection(db.Name())
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.metrics.RecordClientDisconnect(db.Name())
			session.Run()
		}()
	}
}

// Shutdown cancels the service's context, triggering graceful shutdown.
func (s *Service) Shutdown() {
	s.cancel()
}

// pollPoolStats refreshes the pool and registry gauges until shutdown.
func (s *Service) pollPoolStats() {
	if s.metrics == nil {
		return
	}
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	lastEvictions := make(map[string]uint64, len(s.databases))
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			for _, db := range s.databases {
				stats := db.Stats()
				s.metrics.UpdatePoolStats(db.Name(), int(stats.TotalConns), int(stats.IdleConns), db.Registry().Len())
				evictions := db.Registry().Evictions()
				s.metrics.RecordStatementsEvicted(db.Name(), evictions-lastEvictions[db.Name()])
				lastEvictions[db.Name()] = evictions
			}
		}
	}
}

// databaseSource adapts a Database pool to the session's BackendSource.
type databaseSource struct {
	db *backend.Database
}

func (d *databaseSource) Acquire(ctx context.Context, user config.UserConfig) (BackendConn, error) {
	conn, err := d.db.Acquire(ctx, user)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
