// Package backend manages server connections: per-user connection pools
// under a shared limit, and the per-connection session state that routing
// needs, including which statements each connection has prepared.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/puddle/v2"
)

var ErrMaxConnsReached = errors.New("max conns reached")
var ErrNoIdleConnections = fmt.Errorf("%w, no idle connections to close", ErrMaxConnsReached)

// Pool controls a set of per-user pgxpool.Pool connection pools while
// enforcing a shared max connections limit across all of them.
//
// The total number of connections may briefly exceed MaxConns while idle
// connections in other pools are being reclaimed. It is a bug if the total
// grows beyond MaxConns without bound.
type Pool[K comparable] struct {
	MaxConns int32
	members  map[K]*poolMember[K]
	started  bool
	tickets  *puddle.Pool[ticket]

	closeOnce sync.Once
	closeChan chan struct{}

	logger            *slog.Logger
	healthCheckPeriod time.Duration

	totalConns      atomic.Int32
	totalIdleConns  atomic.Int32
	pendingCreates  atomic.Int32
	pendingDestroys atomic.Int32
}

func NewPool[K comparable](maxConns int32, logger *slog.Logger) *Pool[K] {
	tickets, err := puddle.NewPool(&puddle.Config[ticket]{
		Constructor: func(ctx context.Context) (ticket, error) { return ticket{}, nil },
		Destructor:  func(ticket) {},
		MaxSize:     maxConns,
	})
	if err != nil {
		panic(err)
	}

	return &Pool[K]{
		MaxConns:          maxConns,
		members:           make(map[K]*poolMember[K]),
		tickets:           tickets,
		closeChan:         make(chan struct{}),
		logger:            logger,
		healthCheckPeriod: time.Second * 10,
	}
}

type ticket struct{}

var acquireContextKey = ticket{}

type acquireContextReq struct {
	createAttempts int
	created        bool
}

// AddMember registers a pgxpool for a key. Not thread-safe; call before Start.
func (p *Pool[K]) AddMember(ctx context.Context, key K, givenConfig *pgxpool.Config) error {
	if p.started {
		panic("pool already started")
	}

	member := &poolMember[K]{
		key:    key,
		config: givenConfig,
		parent: p,
	}

	withCallbacks := givenConfig.Copy()
	withCallbacks.BeforeConnect = member.beforeConnect
	withCallbacks.AfterConnect = member.afterConnect
	withCallbacks.PrepareConn = member.prepareConn
	withCallbacks.AfterRelease = member.afterRelease
	withCallbacks.BeforeClose = member.beforeClose

	pool, err := pgxpool.NewWithConfig(ctx, withCallbacks)
	if err != nil {
		return err
	}

	member.pool = pool
	p.members[key] = member
	return nil
}

// Start finishes setup. After Start, Acquire may be called from any goroutine.
func (p *Pool[K]) Start() {
	if p.started {
		panic("pool already started")
	}
	p.started = true
	go p.backgroundHealthCheck()
}

// Acquire checks out a connection for the given key. The connection is held
// exclusively until Release; no other caller can observe or disturb its
// session state in between.
//
// It waits until the shared connection count is below MaxConns before
// acquiring, and may close an idle connection from another member's pool to
// make room.
func (p *Pool[K]) Acquire(ctx context.Context, key K) (*PoolConn, error) {
	if !p.started {
		panic("pool not started")
	}
	r, err := p.tickets.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	// The beforeConnect hook destroys idle connections if needed when
	// creating new connections at the shared limit.
	req := &acquireContextReq{}
	conn, err := p.members[key].pool.Acquire(context.WithValue(ctx, acquireContextKey, req))
	if err != nil {
		if req.createAttempts > 0 && !req.created {
			// createAttempts is incremented before each create attempt, but
			// there is no callback on creation error, so settle the count here.
			p.pendingCreates.Add(int32(-req.createAttempts))
		}
		r.ReleaseUnused()
		return nil, err
	}

	return &PoolConn{
		conn:     conn,
		resource: r,
		pool:     p,
	}, nil
}

// acquireConnSlot attempts to find an unused idle connection and mark it for
// destruction, to allow the creation of a new connection in another member.
//
// Returns nil if under the MaxConns limit or if an idle connection was marked.
// Otherwise returns an error matching errors.Is(err, ErrNoIdleConnections).
func (p *Pool[K]) acquireConnSlot(ctx context.Context, forMember *poolMember[K]) error {
	existing := p.totalConns.Load()
	pendingCreates := p.pendingCreates.Load()
	pendingDestroys := p.pendingDestroys.Load()
	total := existing + pendingCreates - pendingDestroys
	// <= because pendingCreates already includes the current request.
	if total <= p.MaxConns {
		return nil
	}

	// Pending destroys will make room soon. Allow this create to proceed,
	// briefly exceeding MaxConns; shouldDestroyConnection settles us back.
	if pendingDestroys > 0 {
		return nil
	}

	idle := p.totalIdleConns.Load()
	if idle == 0 {
		return fmt.Errorf("%w: max %d: %d created, %d pending create, %d pending destroy, %d total",
			ErrNoIdleConnections, p.MaxConns, existing, pendingCreates, pendingDestroys, total)
	}

	// Mark an idle connection in OTHER members for destruction.
	alreadyMarked := 0
	searched := 0
	for _, other := range p.members {
		if other == forMember {
			continue
		}
		searched++
		idleConns := other.pool.AcquireAllIdle(ctx)
		found := false
		for _, c := range idleConns {
			if !found {
				if isMarkedForDestroy(c.Conn().PgConn()) {
					alreadyMarked++
				} else {
					p.markForDestroy(c.Conn().PgConn())
					found = true
				}
			}
			c.Release()
		}
		if found {
			return nil
		}
	}

	// Other members had nothing idle to reclaim. If the CURRENT member has
	// idle connections, allow the create; the surplus is destroyed on
	// release. This covers the race where pgxpool decides to create before a
	// just-released connection becomes visible as idle.
	if idle > 0 {
		return nil
	}

	return fmt.Errorf("%w: max %d: searched %d pools, %d already marked for destroy",
		ErrNoIdleConnections, p.MaxConns, searched, alreadyMarked)
}

func (p *Pool[K]) markIdle(conn *pgx.Conn, isIdle bool) {
	if isIdle {
		p.totalIdleConns.Add(1)
		conn.PgConn().CustomData()[idleKey] = true
	} else if _, ok := conn.PgConn().CustomData()[idleKey]; ok {
		p.totalIdleConns.Add(-1)
		delete(conn.PgConn().CustomData(), idleKey)
	}
}

// Close all member pools and release all connections.
func (p *Pool[K]) Close() {
	p.closeOnce.Do(func() {
		close(p.closeChan)
		p.tickets.Close()
		for _, member := range p.members {
			member.pool.Close()
		}
	})
}

// Stat returns the pgxpool statistics for one member, or nil if unknown.
func (p *Pool[K]) Stat(key K) *pgxpool.Stat {
	member, ok := p.members[key]
	if !ok {
		return nil
	}
	return member.pool.Stat()
}

// TotalConns returns the current shared connection count.
func (p *Pool[K]) TotalConns() int32 {
	return p.totalConns.Load()
}

const destroyKey = "destroy"
const idleKey = "idle"

func isMarkedForDestroy(conn *pgconn.PgConn) bool {
	destroy, ok := conn.CustomData()[destroyKey].(bool)
	return ok && destroy
}

func (p *Pool[K]) shouldDestroyConnection(_ *poolMember[K], conn *pgx.Conn) bool {
	if isMarkedForDestroy(conn.PgConn()) {
		return true
	}

	// Only destroy when actually over the limit. pendingCreates is not
	// considered because those creates might fail, and destroying
	// preemptively starves them of idle connections to reclaim.
	totalConns := p.totalConns.Load() - p.pendingDestroys.Load()
	return totalConns > p.MaxConns
}

func (p *Pool[K]) markForDestroy(conn *pgconn.PgConn) {
	if isMarkedForDestroy(conn) {
		return // already counted in pendingDestroys
	}
	conn.CustomData()[destroyKey] = true
	p.pendingDestroys.Add(1)
}

func (p *Pool[K]) backgroundHealthCheck() {
	ticker := time.NewTicker(p.healthCheckPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-p.closeChan:
			return
		case <-ticker.C:
			p.checkHealth()
		}
	}
}

func (p *Pool[K]) checkHealth() {
	for p.checkMaxConns() {
		// Destroy is asynchronous; give it a moment to leave the pool.
		select {
		case <-p.closeChan:
			return
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (p *Pool[K]) checkMaxConns() (destroyed bool) {
	totalIdleConns := p.totalIdleConns.Load()
	if totalIdleConns == 0 {
		return false
	}

	totalConns := p.totalConns.Load()
	toClose := totalConns - p.MaxConns

	destroyedAny := false
	if toClose > 0 {
		// Cycle idle connections through release so afterRelease decides
		// which to destroy. Random map order distributes fairness.
		for _, member := range p.members {
			idle := member.pool.AcquireAllIdle(context.Background())
			for _, c := range idle {
				c.Release()
				destroyedAny = true
			}
		}
	}

	return destroyedAny
}

type destroyMarker interface {
	markForDestroy(conn *pgconn.PgConn)
}

// PoolConn is one checked-out connection plus its shared-limit ticket.
type PoolConn struct {
	conn                    *pgxpool.Conn
	resource                *puddle.Resource[ticket]
	pool                    destroyMarker
	released                bool
	markForDestroyOnRelease bool
}

// Release returns the connection to the pool.
func (c *PoolConn) Release() {
	if c.released {
		return
	}
	c.released = true
	if c.markForDestroyOnRelease {
		c.pool.markForDestroy(c.conn.Conn().PgConn())
	}
	// Must release conn before resource
	c.conn.Release()
	c.resource.Release()
}

// Value returns the connection. Panics if released.
func (c *PoolConn) Value() *pgxpool.Conn {
	c.resource.Value()
	return c.conn
}

// MarkForDestroy marks the connection for destruction once released.
func (c *PoolConn) MarkForDestroy() {
	c.markForDestroyOnRelease = true
}

func (c *PoolConn) ReleaseAndDestroy() {
	c.MarkForDestroy()
	c.Release()
}

type poolMember[K comparable] struct {
	key    K
	pool   *pgxpool.Pool
	config *pgxpool.Config
	parent *Pool[K]
}

// beforeConnect runs before a new server connection is opened. It enforces
// the shared limit, reclaiming an idle connection elsewhere if necessary.
func (m *poolMember[K]) beforeConnect(ctx context.Context, connCfg *pgx.ConnConfig) error {
	if m.config.BeforeConnect != nil {
		if err := m.config.BeforeConnect(ctx, connCfg); err != nil {
			return err
		}
	}

	// Count the pending create BEFORE acquireConnSlot so concurrent callers
	// see an accurate total. Overshoot is bounded by the number of
	// goroutines that can increment before the first one checks.
	req, hasReq := ctx.Value(acquireContextKey).(*acquireContextReq)
	if hasReq {
		req.createAttempts++
		m.parent.pendingCreates.Add(1)
	}

	if err := m.parent.acquireConnSlot(ctx, m); err != nil {
		if hasReq {
			m.parent.pendingCreates.Add(-1)
			req.createAttempts-- // prevent double-decrement in Acquire
		}
		return err
	}

	return nil
}

// afterConnect runs once a connection is established, before it joins the pool.
func (m *poolMember[K]) afterConnect(ctx context.Context, conn *pgx.Conn) error {
	if m.config.AfterConnect != nil {
		if err := m.config.AfterConnect(ctx, conn); err != nil {
			return err
		}
	}

	if req, ok := ctx.Value(acquireContextKey).(*acquireContextReq); ok {
		req.created = true
		m.parent.pendingCreates.Add(int32(-req.createAttempts))
	}
	m.parent.totalConns.Add(1)
	m.parent.markIdle(conn, true)
	return nil
}

// prepareConn runs as a connection is checked out. Returning false destroys
// the connection and retries the acquire on a fresh one.
func (m *poolMember[K]) prepareConn(ctx context.Context, conn *pgx.Conn) (bool, error) {
	if m.config.PrepareConn != nil {
		if ok, err := m.config.PrepareConn(ctx, conn); !ok || err != nil {
			if !ok {
				m.parent.markForDestroy(conn.PgConn())
			}
			return ok, err
		}
	}

	m.parent.markIdle(conn, false)
	return true, nil
}

// afterRelease runs as a connection returns to the pool. Returning false
// destroys the connection instead.
func (m *poolMember[K]) afterRelease(conn *pgx.Conn) bool {
	m.parent.markIdle(conn, true)

	if m.config.AfterRelease != nil {
		if !m.config.AfterRelease(conn) {
			m.parent.markForDestroy(conn.PgConn())
			return false
		}
	}

	if m.parent.shouldDestroyConnection(m, conn) {
		m.parent.markForDestroy(conn.PgConn())
		return false
	}

	return true
}

// beforeClose runs right before a connection is closed and removed.
func (m *poolMember[K]) beforeClose(conn *pgx.Conn) {
	m.parent.totalConns.Add(-1)
	if isMarkedForDestroy(conn.PgConn()) {
		m.parent.pendingDestroys.Add(-1)
	}
	m.parent.markIdle(conn, false)
}
