package backend

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/tiberiuv/pgdog/pkg/params"
	"github.com/tiberiuv/pgdog/pkg/pgwire"
	"github.com/tiberiuv/pgdog/pkg/stmt"
)

// PooledBackend is a checked-out server connection bound to one client
// session until released. Using it after Release is a programming error and
// panics.
type PooledBackend struct {
	conn     *PoolConn
	session  *ServerSession
	released bool
}

func (b *PooledBackend) Name() string {
	return b.session.String()
}

func (b *PooledBackend) PgConn() *pgconn.PgConn {
	b.panicIfReleased()
	return b.session.PgConn()
}

// Session exposes the connection's persistent state, including its prepared
// statement set.
func (b *PooledBackend) Session() *ServerSession {
	b.panicIfReleased()
	return b.session
}

func (b *PooledBackend) TxStatus() pgwire.TxStatus {
	b.panicIfReleased()
	return b.session.TxStatus()
}

func (b *PooledBackend) Send(msg pgproto3.FrontendMessage) {
	b.panicIfReleased()
	b.session.Send(msg)
}

func (b *PooledBackend) Flush() error {
	b.panicIfReleased()
	return b.session.Flush()
}

func (b *PooledBackend) Receive(ctx context.Context) (pgproto3.BackendMessage, error) {
	b.panicIfReleased()
	return b.session.Receive(ctx)
}

// EnsurePrepared makes the statement live on this connection. See
// ServerSession.EnsurePrepared.
func (b *PooledBackend) EnsurePrepared(ctx context.Context, st *stmt.Statement) (bool, error) {
	b.panicIfReleased()
	return b.session.EnsurePrepared(ctx, st)
}

// ForgetPrepared clears the connection's prepared statement bookkeeping.
// Call after relaying a command that wiped server-side statements.
func (b *PooledBackend) ForgetPrepared() {
	b.panicIfReleased()
	b.session.ForgetPrepared()
}

// ParameterStatusChanges diffs a client's parameter view against this
// connection's.
func (b *PooledBackend) ParameterStatusChanges(since params.ParameterStatuses) params.ParameterStatusDiff {
	b.panicIfReleased()
	return b.session.ParameterStatusChanges(since)
}

// Release returns the connection to the pool. Safe to call more than once.
func (b *PooledBackend) Release() {
	if b.released {
		return
	}
	b.released = true
	b.conn.Release()
}

// ReleaseAndDestroy returns the connection to the pool marked for closure.
// Use when the connection's state is no longer trustworthy.
func (b *PooledBackend) ReleaseAndDestroy(err error) {
	if b.released {
		b.session.logger.Error("LogicError: already released, refusing to mark for destruction", "error", err)
		return
	}
	b.session.logger.Error("destroying server connection", "error", err)
	b.released = true
	b.conn.ReleaseAndDestroy()
}

func (b *PooledBackend) panicIfReleased() {
	if b.released {
		panic(fmt.Errorf("PooledBackend: already released: %s", b.session.String()))
	}
}
