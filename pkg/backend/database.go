package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tiberiuv/pgdog/pkg/config"
	"github.com/tiberiuv/pgdog/pkg/params"
	"github.com/tiberiuv/pgdog/pkg/pgwire"
	"github.com/tiberiuv/pgdog/pkg/stmt"
)

// Database owns everything shared by the clients of one proxied database:
// the per-user connection pools and the statement registry. All client
// sessions of a database intern statements into the same registry, which is
// what lets a statement prepared through one server connection be recreated
// on any other.
type Database struct {
	config  config.DatabaseConfig
	secrets *config.SecretCache
	logger  *slog.Logger

	registry          *stmt.Registry
	pool              *Pool[config.UserConfig]
	trackedParameters []string
}

// NewDatabase builds the pools and registry for one configured database.
// All user pools are created eagerly so MinIdleConns settings take effect
// at startup rather than on first use.
func NewDatabase(ctx context.Context, cfg config.DatabaseConfig, secrets *config.SecretCache, logger *slog.Logger) (*Database, error) {
	tracked := params.BaseTrackedParameters
	if len(cfg.TrackExtraParameters) > 0 {
		tracked = make([]string, 0, len(params.BaseTrackedParameters)+len(cfg.TrackExtraParameters))
		tracked = append(tracked, params.BaseTrackedParameters...)
		tracked = append(tracked, cfg.TrackExtraParameters...)
	}

	d := &Database{
		config:            cfg,
		secrets:           secrets,
		logger:            logger.With("database", cfg.Name),
		registry:          stmt.NewRegistry(cfg.PreparedStatements.GetCacheCapacity()),
		pool:              NewPool[config.UserConfig](cfg.Backend.GetPoolMaxConns(), logger),
		trackedParameters: tracked,
	}

	for _, user := range cfg.Users {
		poolCfg, err := d.poolConfigForUser(ctx, user)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("failed to configure pool for user: %w", err)
		}
		if err := d.pool.AddMember(ctx, user, poolCfg); err != nil {
			d.Close()
			return nil, fmt.Errorf("failed to create pool for user: %w", err)
		}
	}
	d.pool.Start()

	return d, nil
}

func (d *Database) Name() string {
	return d.config.Name
}

// Registry returns the shared statement registry for this database.
func (d *Database) Registry() *stmt.Registry {
	return d.registry
}

// PoolerMode returns when server connections are released back to the pool.
func (d *Database) PoolerMode() config.PoolerMode {
	return d.config.GetPoolerMode()
}

// TrackedParameters returns the ParameterStatus keys reported to clients.
func (d *Database) TrackedParameters() []string {
	return d.trackedParameters
}

// Acquire checks out a server connection for the given user. The connection
// is exclusively the caller's until released. Exhaustion surfaces as a
// SQLSTATE 53300 error the frontend can relay.
func (d *Database) Acquire(ctx context.Context, user config.UserConfig) (*PooledBackend, error) {
	ctx, cancel := context.WithTimeout(ctx, d.config.Backend.GetCheckoutTimeout())
	defer cancel()

	pc, err := d.pool.Acquire(ctx, user)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrMaxConnsReached) {
			return nil, pgwire.NewPoolExhausted(err)
		}
		return nil, err
	}

	conn := pc.Value().Conn().PgConn()
	session := SessionFor(conn, d.logger, d.trackedParameters)
	b := &PooledBackend{conn: pc, session: session}

	// Catch up on registry evictions before a client owns the connection,
	// closing server-side statements that no longer have a registry entry.
	if err := session.ReconcileEvictions(ctx, d.registry); err != nil {
		b.ReleaseAndDestroy(err)
		return nil, err
	}
	return b, nil
}

// Stats reports connection counts across the database's pools.
func (d *Database) Stats() DatabaseStats {
	stats := DatabaseStats{TotalConns: d.pool.TotalConns()}
	for _, user := range d.config.Users {
		if s := d.pool.Stat(user); s != nil {
			stats.AcquiredConns += s.AcquiredConns()
			stats.IdleConns += s.IdleConns()
		}
	}
	return stats
}

// DatabaseStats summarizes pool usage for metrics.
type DatabaseStats struct {
	TotalConns    int32
	AcquiredConns int32
	IdleConns     int32
}

// Close shuts down all pools, closing every server connection.
func (d *Database) Close() {
	d.pool.Close()
}

// poolConfigForUser builds a pgxpool.Config carrying the user's resolved
// credentials.
func (d *Database) poolConfigForUser(ctx context.Context, user config.UserConfig) (*pgxpool.Config, error) {
	poolCfg, err := d.config.Backend.PoolConfig()
	if err != nil {
		return nil, err
	}

	username, err := d.secrets.Get(ctx, user.Username)
	if err != nil {
		return nil, fmt.Errorf("failed to get username: %w", err)
	}
	password, err := d.secrets.Get(ctx, user.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to get password: %w", err)
	}

	poolCfg.ConnConfig.User = username
	poolCfg.ConnConfig.Password = password
	if poolCfg.ConnConfig.Database == "" {
		poolCfg.ConnConfig.Database = d.config.Name
	}

	return poolCfg, nil
}
