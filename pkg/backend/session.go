package backend

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/tiberiuv/pgdog/pkg/params"
	"github.com/tiberiuv/pgdog/pkg/pgwire"
	"github.com/tiberiuv/pgdog/pkg/stmt"
)

const sessionDataKey = "pgdog_server_session"

// ServerSession is the proxy's view of one server connection. Each pooled
// PgConn gets a session on first checkout, and the session survives across
// checkouts for the lifetime of the connection.
//
// The prepared set is the heart of statement routing: it records which
// registry statements this connection has already prepared, so a client that
// lands here can reuse them or have them created on demand.
type ServerSession struct {
	conn   *pgconn.PgConn
	logger *slog.Logger

	prepared          map[string]struct{}
	trackedParameters []string

	// reconciledEvictions is the registry eviction count this connection
	// last caught up with. See ReconcileEvictions.
	reconciledEvictions uint64
}

// SessionFor returns the connection's session, creating it on first use.
func SessionFor(conn *pgconn.PgConn, logger *slog.Logger, trackedParameters []string) *ServerSession {
	if existing, ok := conn.CustomData()[sessionDataKey].(*ServerSession); ok {
		return existing
	}

	s := &ServerSession{
		conn:              conn,
		prepared:          make(map[string]struct{}),
		trackedParameters: trackedParameters,
	}
	s.logger = logger.With("server_pid", conn.PID())
	conn.CustomData()[sessionDataKey] = s
	return s
}

func (s *ServerSession) String() string {
	return fmt.Sprintf("server?pid=%d&prepared=%d", s.conn.PID(), len(s.prepared))
}

func (s *ServerSession) PgConn() *pgconn.PgConn {
	return s.conn
}

// TxStatus reports the connection's transaction state per its last
// ReadyForQuery.
func (s *ServerSession) TxStatus() pgwire.TxStatus {
	return pgwire.TxStatus(s.conn.TxStatus())
}

// Send queues a message to the server. Call Flush to write.
func (s *ServerSession) Send(msg pgproto3.FrontendMessage) {
	s.conn.Frontend().Send(msg)
}

// Flush writes all queued messages to the server.
func (s *ServerSession) Flush() error {
	return s.conn.Frontend().Flush()
}

// Receive reads the next server message. The returned message is only valid
// until the next Receive.
func (s *ServerSession) Receive(ctx context.Context) (pgproto3.BackendMessage, error) {
	msg, err := s.conn.ReceiveMessage(ctx)
	if err != nil {
		return nil, pgwire.NewConnectionLost(err)
	}
	return msg, nil
}

// IsPrepared reports whether a server-side statement name is live on this
// connection.
func (s *ServerSession) IsPrepared(name string) bool {
	_, ok := s.prepared[name]
	return ok
}

// PreparedCount returns the number of statements live on this connection.
func (s *ServerSession) PreparedCount() int {
	return len(s.prepared)
}

// EnsurePrepared makes the statement available on this connection, preparing
// it in a dedicated round trip if this connection has not seen it yet.
// installed reports whether that round trip happened. A server rejection
// comes back as the server's own ErrorResponse wrapped in a *pgwire.Err, so
// callers can relay it to the client unchanged; the statement is marked
// prepared only after the server confirms it, and a failed attempt leaves
// the set unchanged so a later retry is possible.
func (s *ServerSession) EnsurePrepared(ctx context.Context, st *stmt.Statement) (installed bool, err error) {
	if s.IsPrepared(st.Name) {
		return false, nil
	}

	var srvErr *pgproto3.ErrorResponse
	if st.FromSQL {
		srvErr, err = s.roundTrip(ctx, &pgproto3.Query{String: st.PrepareSQL()})
	} else {
		srvErr, err = s.roundTrip(ctx,
			&pgproto3.Parse{Name: st.Name, Query: st.Query, ParameterOIDs: st.ParameterOIDs},
			&pgproto3.Sync{},
		)
	}
	if err != nil {
		return false, err
	}
	if srvErr != nil {
		s.logger.Warn("server rejected statement",
			"statement", st.Name, "code", srvErr.Code, "message", srvErr.Message)
		return false, pgwire.WrapErrorResponse(srvErr)
	}

	s.prepared[st.Name] = struct{}{}
	return true, nil
}

// ForgetPrepared clears the prepared set. Call after forwarding anything that
// drops server-side statements wholesale, like DISCARD ALL.
func (s *ServerSession) ForgetPrepared() {
	clear(s.prepared)
}

// ReconcileEvictions closes the server-side statements whose registry
// entries were evicted since this connection was last handed out. Run it on
// checkout, while no client owns the connection, so the prepared set cannot
// grow without bound as the registry churns identities. Names are never
// reused, so a name missing from the registry is an evicted one.
func (s *ServerSession) ReconcileEvictions(ctx context.Context, registry *stmt.Registry) error {
	tip := registry.Evictions()
	if tip == s.reconciledEvictions || len(s.prepared) == 0 {
		s.reconciledEvictions = tip
		return nil
	}
	s.reconciledEvictions = tip

	var closes []pgproto3.FrontendMessage
	for name := range s.prepared {
		if _, ok := registry.Lookup(name); !ok {
			closes = append(closes, &pgproto3.Close{ObjectType: 'S', Name: name})
			delete(s.prepared, name)
		}
	}
	if len(closes) == 0 {
		return nil
	}
	s.logger.Debug("closing evicted statements", "count", len(closes))

	closes = append(closes, &pgproto3.Sync{})
	srvErr, err := s.roundTrip(ctx, closes...)
	if err != nil {
		return err
	}
	if srvErr != nil {
		// Closing an unknown statement is not an error; anything else here
		// means the connection state is off.
		return pgwire.WrapErrorResponse(srvErr)
	}
	return nil
}

// roundTrip sends messages and drains the response through ReadyForQuery.
// A server error terminates the command but not the connection; it is
// returned as a value. I/O failures poison the connection.
func (s *ServerSession) roundTrip(ctx context.Context, msgs ...pgproto3.FrontendMessage) (*pgproto3.ErrorResponse, error) {
	for _, m := range msgs {
		s.Send(m)
	}
	if err := s.Flush(); err != nil {
		return nil, pgwire.NewConnectionLost(err)
	}

	var srvErr *pgproto3.ErrorResponse
	for {
		msg, err := s.conn.ReceiveMessage(ctx)
		if err != nil {
			return nil, pgwire.NewConnectionLost(err)
		}
		switch m := msg.(type) {
		case *pgproto3.ErrorResponse:
			copied := *m
			srvErr = &copied
		case *pgproto3.ReadyForQuery:
			return srvErr, nil
		}
	}
}

// ParameterStatusChanges diffs the client's last known parameter view
// against this connection's current view.
func (s *ServerSession) ParameterStatusChanges(since params.ParameterStatuses) params.ParameterStatusDiff {
	return since.DiffToTip(s.currentParameterStatuses())
}

func (s *ServerSession) currentParameterStatuses() params.ParameterStatuses {
	statuses := make(params.ParameterStatuses, len(s.trackedParameters))
	for _, key := range s.trackedParameters {
		if value := s.conn.ParameterStatus(key); value != "" {
			statuses[key] = value
		}
	}
	return statuses
}
