package frontend

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"math/rand/v2"
	"net"
	"runtime"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgproto3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tiberiuv/pgdog/pkg/backend"
	"github.com/tiberiuv/pgdog/pkg/config"
	"github.com/tiberiuv/pgdog/pkg/observability"
	"github.com/tiberiuv/pgdog/pkg/params"
	"github.com/tiberiuv/pgdog/pkg/pgwire"
	"github.com/tiberiuv/pgdog/pkg/stmt"
)

// BackendConn is a checked-out server connection as the session uses it.
// *backend.PooledBackend is the production implementation.
type BackendConn interface {
	Name() string
	TxStatus() pgwire.TxStatus
	Send(msg pgproto3.FrontendMessage)
	Flush() error
	Receive(ctx context.Context) (pgproto3.BackendMessage, error)
	EnsurePrepared(ctx context.Context, st *stmt.Statement) (installed bool, err error)
	ForgetPrepared()
	ParameterStatusChanges(since params.ParameterStatuses) params.ParameterStatusDiff
	Release()
	ReleaseAndDestroy(err error)
}

var _ BackendConn = (*backend.PooledBackend)(nil)

// BackendSource hands out server connections for a session's user.
type BackendSource interface {
	Acquire(ctx context.Context, user config.UserConfig) (BackendConn, error)
}

// errTerminate signals a clean client-requested shutdown of the session.
var errTerminate = errors.New("client terminated connection")

// Session represents one client's session with the proxy.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	conn      net.Conn
	logger    *slog.Logger
	dbConfig  *config.DatabaseConfig
	secrets   *config.SecretCache
	tlsConfig *tls.Config
	source    BackendSource
	metrics   *observability.Metrics

	// The client.
	frontend *Frontend

	// Populated during startup.
	startupParameters map[string]string
	databaseName      string
	userName          string
	userConfig        config.UserConfig
	tlsState          *tls.ConnectionState

	// Client-visible prepared statement bindings.
	router *stmt.Router

	// Client's view of session state. parameterStatuses is what the client
	// has been told; it is diffed against the server connection before each
	// ReadyForQuery so the client never sees stale values.
	pid               uint32
	secretKey         uint32
	txStatus          pgwire.TxStatus
	parameterStatuses params.ParameterStatuses

	// Outstanding extended-protocol requests awaiting responses.
	pending pgwire.PendingRequests

	// Set when an error aborted a Flush-terminated segment. The server
	// discards extended-protocol messages until the next Sync, so the
	// proxy skips them too instead of queueing responses that will
	// never arrive.
	errorUntilSync bool

	// Checked-out server connection. nil while idle in transaction mode.
	backend BackendConn
}

// NewSession creates a Session for an accepted client connection. The
// session owns conn and closes it when Run returns.
func NewSession(ctx context.Context, conn net.Conn, dbConfig *config.DatabaseConfig, source BackendSource, registry *stmt.Registry, secrets *config.SecretCache, tlsConfig *tls.Config, pid uint32, logger *slog.Logger) *Session {
	innerCtx, cancel := context.WithCancel(ctx)
	return &Session{
		ctx:       innerCtx,
		cancel:    cancel,
		conn:      conn,
		logger:    logger.With("client", conn.RemoteAddr().String(), "pid", pid),
		dbConfig:  dbConfig,
		secrets:   secrets,
		tlsConfig: tlsConfig,
		source:    source,
		router:    stmt.NewRouter(registry),
		pid:       pid,
		secretKey: rand.Uint32(),
		txStatus:  pgwire.TxIdle,
	}
}

// Close cancels the session's context and releases associated resources.
// A server connection with an operation or transaction still in flight is
// in an unknown state and gets destroyed instead of returned to the pool.
func (s *Session) Close() {
	s.cancel()
	s.router.Close()
	if s.backend != nil {
		if s.pending.Len() > 0 || s.backend.TxStatus().InTransaction() {
			s.backend.ReleaseAndDestroy(errors.New("client disconnected mid-operation"))
		} else {
			s.backend.Release()
		}
		s.backend = nil
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Error("error closing client", "error", err)
		}
	}
}

// Run handles the full lifecycle of a client session: TLS and startup
// negotiation, authentication, and the query loop.
func (s *Session) Run() {
	defer s.Close()

	s.frontend = NewFrontend(s.ctx, s.conn)
	s.enableTracing()

	if err := s.handleStartup(); err != nil {
		if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
			s.logger.Error("startup failed", "error", err)
		}
		return
	}

	s.logger = s.logger.With("user", s.userName, "database", s.databaseName)

	if err := s.authenticate(); err != nil {
		s.logger.Warn("authentication failed", "error", err)
		return
	}

	s.initProcessState()
	s.sendInitialParameterStatuses()
	s.frontend.Send(&pgproto3.BackendKeyData{ProcessID: s.pid, SecretKey: s.secretKey})
	if err := s.sendReadyForQuery(); err != nil {
		s.logger.Error("error completing startup", "error", err)
		return
	}

	// One span per authenticated session. A no-op unless a tracer
	// provider was installed at startup.
	spanCtx, span := otel.Tracer("pgdog").Start(s.ctx, "pgdog.session",
		trace.WithAttributes(observability.SessionAttributes(s.userName, s.databaseName)...))
	s.ctx = spanCtx
	defer span.End()

	if err := s.serve(); err != nil {
		if errors.Is(err, errTerminate) {
			s.logger.Debug("client terminated connection")
		} else if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
			s.logger.Error("session ended", "error", err)
			span.SetStatus(codes.Error, err.Error())
		}
	}
}

// serve is the main query loop, entered once startup completes.
func (s *Session) serve() error {
	for {
		msg, err := s.frontend.Receive()
		if err != nil {
			return err
		}

		switch m := msg.(type) {
		case *pgproto3.Terminate:
			return errTerminate
		case *pgproto3.Query:
			err = s.handleSimpleQuery(m)
		case *pgproto3.Parse, *pgproto3.Bind, *pgproto3.Describe, *pgproto3.Execute, *pgproto3.Close, *pgproto3.Sync, *pgproto3.Flush:
			err = s.handleExtendedBatch(msg)
		case *pgproto3.FunctionCall:
			err = s.handleFunctionCall(m)
		default:
			s.sendError(pgwire.ErrorFatal, pgerrcode.ProtocolViolation, fmt.Sprintf("unexpected client message: %T", msg))
			return fmt.Errorf("unexpected client message: %T", msg)
		}
		if err != nil {
			return err
		}
	}
}

// handleStartup processes the initial connection: TLS negotiation and the
// startup message.
func (s *Session) handleStartup() error {
	startupMsg, err := s.frontend.ReceiveStartupMessage()
	if err != nil {
		return fmt.Errorf("failed to read startup message: %w", err)
	}

	if _, ok := startupMsg.(*pgproto3.SSLRequest); ok {
		if err := s.handleSSLRequest(); err != nil {
			return fmt.Errorf("SSL negotiation failed: %w", err)
		}
		startupMsg, err = s.frontend.ReceiveStartupMessage()
		if err != nil {
			return fmt.Errorf("failed to read startup message after TLS: %w", err)
		}
	}

	if _, ok := startupMsg.(*pgproto3.GSSEncRequest); ok {
		// GSS encryption is not supported; decline and read the real
		// startup message.
		if _, err := s.conn.Write([]byte{'N'}); err != nil {
			return fmt.Errorf("failed to decline GSS encryption: %w", err)
		}
		startupMsg, err = s.frontend.ReceiveStartupMessage()
		if err != nil {
			return fmt.Errorf("failed to read startup message after GSS decline: %w", err)
		}
	}

	if s.dbConfig.TLS.Required() && s.tlsState == nil {
		s.sendError(pgwire.ErrorFatal, pgerrcode.ProtocolViolation, "SSL/TLS required")
		return errors.New("SSL/TLS required but client did not request SSL")
	}

	if _, ok := startupMsg.(*pgproto3.CancelRequest); ok {
		// Cancellation keys are not tracked across the proxy; the request
		// connection is simply closed, as the protocol permits.
		return errTerminate
	}

	startup, ok := startupMsg.(*pgproto3.StartupMessage)
	if !ok {
		return fmt.Errorf("expected StartupMessage, got %T", startupMsg)
	}

	s.startupParameters = startup.Parameters
	s.userName = startup.Parameters["user"]
	s.databaseName = startup.Parameters["database"]

	if s.userName == "" {
		s.sendError(pgwire.ErrorFatal, pgerrcode.InvalidAuthorizationSpecification, "no user specified")
		return errors.New("no user specified in startup message")
	}
	if s.databaseName == "" {
		// PostgreSQL defaults the database to the user name.
		s.databaseName = s.userName
	}

	if s.databaseName != s.dbConfig.Name {
		s.sendError(pgwire.ErrorFatal, pgerrcode.InvalidCatalogName, fmt.Sprintf("database %q does not exist", s.databaseName))
		return fmt.Errorf("unknown database: %s", s.databaseName)
	}

	userConfig, err := s.findUserConfig()
	if err != nil {
		s.sendError(pgwire.ErrorFatal, pgerrcode.InvalidAuthorizationSpecification, fmt.Sprintf("password authentication failed for user %q", s.userName))
		return err
	}
	s.userConfig = userConfig

	return nil
}

// handleSSLRequest negotiates the TLS upgrade.
func (s *Session) handleSSLRequest() error {
	if s.tlsConfig == nil {
		_, err := s.conn.Write([]byte{'N'})
		return err
	}

	if _, err := s.conn.Write([]byte{'S'}); err != nil {
		return err
	}

	tlsConn := tls.Server(s.conn, s.tlsConfig)
	if err := tlsConn.HandshakeContext(s.ctx); err != nil {
		return fmt.Errorf("TLS handshake failed: %w", err)
	}

	s.conn = tlsConn
	state := tlsConn.ConnectionState()
	s.tlsState = &state

	// The protocol handle must read from the TLS stream from here on.
	s.frontend = NewFrontend(s.ctx, s.conn)
	s.enableTracing()

	return nil
}

// findUserConfig finds the configured user matching the startup user name.
func (s *Session) findUserConfig() (config.UserConfig, error) {
	for _, user := range s.dbConfig.Users {
		username, err := s.secrets.Get(s.ctx, user.Username)
		if err != nil {
			continue // Skip users we can't resolve
		}
		if username == s.userName {
			return user, nil
		}
	}
	return config.UserConfig{}, fmt.Errorf("user not found: %s", s.userName)
}

// authenticate verifies the client's credentials against the configured
// secrets. Server credentials are never involved.
func (s *Session) authenticate() error {
	username, err := s.secrets.Get(s.ctx, s.userConfig.Username)
	if err != nil {
		return fmt.Errorf("failed to get username: %w", err)
	}
	password, err := s.secrets.Get(s.ctx, s.userConfig.Password)
	if err != nil {
		return fmt.Errorf("failed to get password: %w", err)
	}

	creds := NewUserSecretData(username, password)
	authSession, err := NewAuthSession(s.frontend, creds, s.dbConfig.GetAuthMethod(), s.tlsState, s.dbConfig.GetScramIterations())
	if err != nil {
		return fmt.Errorf("failed to create auth session: %w", err)
	}

	return authSession.Run()
}

func (s *Session) initProcessState() {
	s.parameterStatuses = maps.Clone(params.BaseParameterStatuses)
	for key, value := range s.dbConfig.Backend.DefaultStartupParameters.All() {
		s.parameterStatuses[key] = value
	}
	for key, value := range s.startupParameters {
		switch key {
		case "user", "database", "options", "replication":
		default:
			s.parameterStatuses[key] = value
		}
	}
	s.txStatus = pgwire.TxIdle
}

func (s *Session) sendInitialParameterStatuses() {
	for key, value := range s.parameterStatuses {
		s.frontend.Send(&pgproto3.ParameterStatus{Name: key, Value: value})
	}
}

// sendReadyForQuery synthesizes a ReadyForQuery from the client's view of
// the session, replaying any server parameter changes first.
func (s *Session) sendReadyForQuery() error {
	s.replayParameterStatuses()
	s.frontend.Send(&pgproto3.ReadyForQuery{TxStatus: byte(s.txStatus)})
	return s.frontend.Flush()
}

// replayParameterStatuses reports server-side parameter changes the client
// has not seen yet, e.g. after rebinding to a different pool connection.
func (s *Session) replayParameterStatuses() {
	if s.backend == nil {
		return
	}
	diff := s.backend.ParameterStatusChanges(s.parameterStatuses)
	for key, value := range diff {
		str := ""
		if value == nil {
			delete(s.parameterStatuses, key)
		} else {
			str = *value
			s.parameterStatuses[key] = str
		}
		s.frontend.Send(&pgproto3.ParameterStatus{Name: key, Value: str})
	}
}

// acquireBackend checks out a server connection if the session does not
// already hold one.
func (s *Session) acquireBackend() error {
	if s.backend != nil {
		return nil
	}
	start := time.Now()
	conn, err := s.source.Acquire(s.ctx, s.userConfig)
	s.metrics.RecordBackendAcquire(s.dbConfig.Name, time.Since(start).Seconds(), err == nil)
	if err != nil {
		return err
	}
	s.backend = conn
	s.logger.Debug("acquired server connection", "backend", conn.Name())
	return nil
}

// maybeReleaseBackend returns the server connection to the pool when the
// session is idle. In session pooling mode the connection stays pinned.
func (s *Session) maybeReleaseBackend() {
	if s.backend == nil || s.dbConfig.GetPoolerMode() == config.PoolerModeSession {
		return
	}
	if s.backend.TxStatus().InTransaction() || s.pending.Len() > 0 {
		return
	}
	s.backend.Release()
	s.backend = nil
}

// backendFailed tears down a server connection whose state is no longer
// trustworthy and reports the loss to the client.
func (s *Session) backendFailed(err error) error {
	s.metrics.RecordError("backend_connection")
	lost := pgwire.NewConnectionLost(err)
	s.frontend.Send(lost.Response())
	_ = s.frontend.Flush()
	if s.backend != nil {
		s.backend.ReleaseAndDestroy(err)
		s.backend = nil
	}
	return lost
}

// --- extended query protocol ---

// handleExtendedBatch services one pipelined segment of the extended
// protocol: it accumulates client messages through the next Sync or Flush,
// rewriting statement references and absorbing what the proxy answers
// itself, then forwards the remainder and interleaves relayed and
// synthesized responses in request order.
//
// Needed statements are prepared on the server connection with dedicated
// round trips before the segment is forwarded, so the segment's responses
// arrive unmixed with preparation traffic.
func (s *Session) handleExtendedBatch(first pgproto3.FrontendMessage) error {
	s.metrics.RecordQuery(s.dbConfig.Name, "extended")
	if err := s.acquireBackend(); err != nil {
		return s.failBatch(first, err)
	}

	var forward []pgproto3.FrontendMessage
	skipToSync := s.errorUntilSync
	terminator := byte(0)

	msg := first
	for terminator == 0 {
		switch m := msg.(type) {
		case *pgproto3.Parse:
			if skipToSync {
				break
			}
			if m.Name == "" {
				// The unnamed statement is scoped to the server
				// connection and always re-sent, so it passes through.
				if err := s.relayRequest(&forward, m, pgwire.MsgTypeParse); err != nil {
					return err
				}
				break
			}
			s.router.RewriteParse(m)
			s.synthesize(pgwire.MsgTypeParse, &pgproto3.ParseComplete{})
		case *pgproto3.Bind:
			if skipToSync {
				break
			}
			clientName := m.PreparedStatement
			st, err := s.router.RewriteBind(m)
			if err == nil && st != nil {
				err = s.ensurePrepared(clientName, st)
			}
			if err != nil {
				skipToSync = s.synthesizeError(pgwire.MsgTypeBind, err)
				if !skipToSync {
					return err
				}
				break
			}
			if err := s.relayRequest(&forward, m, pgwire.MsgTypeBind); err != nil {
				return err
			}
		case *pgproto3.Describe:
			if skipToSync {
				break
			}
			clientName := m.Name
			st, err := s.router.RewriteDescribe(m)
			if err == nil && st != nil {
				err = s.ensurePrepared(clientName, st)
			}
			if err != nil {
				skipToSync = s.synthesizeError(pgwire.MsgTypeDescribe, err)
				if !skipToSync {
					return err
				}
				break
			}
			if err := s.relayRequest(&forward, m, pgwire.MsgTypeDescribe); err != nil {
				return err
			}
		case *pgproto3.Execute:
			if skipToSync {
				break
			}
			if err := s.relayRequest(&forward, m, pgwire.MsgTypeExecute); err != nil {
				return err
			}
		case *pgproto3.Close:
			if skipToSync {
				break
			}
			if s.router.RewriteClose(m) {
				// Statement-level Close is deallocated locally; the server
				// copy may be shared with other sessions.
				s.synthesize(pgwire.MsgTypeClose, &pgproto3.CloseComplete{})
				break
			}
			if err := s.relayRequest(&forward, m, pgwire.MsgTypeClose); err != nil {
				return err
			}
		case *pgproto3.Sync:
			forward = append(forward, &pgproto3.Sync{})
			s.pending.Push(pgwire.PendingRequest{RequestType: pgwire.MsgTypeSync, Action: pgwire.ActionRelay})
			s.errorUntilSync = false
			terminator = pgwire.MsgTypeSync
		case *pgproto3.Flush:
			forward = append(forward, &pgproto3.Flush{})
			if skipToSync {
				s.errorUntilSync = true
			}
			terminator = pgwire.MsgTypeFlush
		case *pgproto3.Terminate:
			return errTerminate
		default:
			s.sendError(pgwire.ErrorFatal, pgerrcode.ProtocolViolation, fmt.Sprintf("unexpected message in extended protocol: %T", msg))
			return fmt.Errorf("unexpected message in extended protocol: %T", msg)
		}

		if terminator != 0 {
			break
		}
		var err error
		msg, err = s.frontend.Receive()
		if err != nil {
			return err
		}
	}

	return s.serviceBatch(forward, terminator)
}

// relayRequest clones a client message into the outgoing segment and queues
// its response slot. Clones are required because pgproto3 reuses message
// memory across Receive calls.
func (s *Session) relayRequest(forward *[]pgproto3.FrontendMessage, msg pgproto3.FrontendMessage, requestType byte) error {
	clone, err := cloneFrontendMessage(msg)
	if err != nil {
		return err
	}
	*forward = append(*forward, clone)
	s.pending.Push(pgwire.PendingRequest{RequestType: requestType, Action: pgwire.ActionRelay})
	return nil
}

func (s *Session) synthesize(requestType byte, responses ...pgproto3.BackendMessage) {
	s.pending.Push(pgwire.PendingRequest{
		RequestType: requestType,
		Action:      pgwire.ActionSynthesize,
		Synthetic:   responses,
	})
}

// synthesizeError queues an ErrorResponse for a request the proxy failed
// locally. Returns false when the error is not a protocol-level error and
// must instead abort the session.
func (s *Session) synthesizeError(requestType byte, err error) bool {
	var pgErr *pgwire.Err
	if !errors.As(err, &pgErr) {
		return false
	}
	s.synthesize(requestType, pgErr.Response())
	return true
}

// ensurePrepared makes st live on the held server connection. A server
// rejection comes back as the server's own ErrorResponse, with the generated
// statement name swapped for the client-visible one before it is relayed.
func (s *Session) ensurePrepared(clientName string, st *stmt.Statement) error {
	installed, err := s.backend.EnsurePrepared(s.ctx, st)
	if err == nil {
		outcome := "cached"
		if installed {
			outcome = "installed"
		}
		s.metrics.RecordStatementPrepared(s.dbConfig.Name, outcome)
		return nil
	}

	var pgErr *pgwire.Err
	if !errors.As(err, &pgErr) {
		// Not a server rejection: the connection itself failed.
		return s.backendFailed(err)
	}
	s.metrics.RecordStatementPrepared(s.dbConfig.Name, "error")
	if clientName != "" {
		pgErr.Message = strings.ReplaceAll(pgErr.Message, st.Name, clientName)
		pgErr.Detail = strings.ReplaceAll(pgErr.Detail, st.Name, clientName)
	}
	return pgErr
}

// serviceBatch forwards a segment and answers the queued requests in order.
func (s *Session) serviceBatch(forward []pgproto3.FrontendMessage, terminator byte) error {
	for _, msg := range forward {
		s.backend.Send(msg)
	}
	if err := s.backend.Flush(); err != nil {
		return s.backendFailed(err)
	}

	for s.pending.Len() > 0 {
		req, _ := s.pending.Peek()

		if req.Action == pgwire.ActionSynthesize {
			s.pending.Pop()
			for _, m := range req.Synthetic {
				s.frontend.Send(m)
			}
			if _, isErr := lastMessageError(req.Synthetic); isErr {
				s.pending.DropUntilSync()
			}
			continue
		}

		done, err := s.relayResponses(req.RequestType)
		if err != nil {
			return err
		}
		if done {
			s.pending.Pop()
		} else {
			// Server error: it discards requests until Sync, so must we.
			s.pending.DropUntilSync()
			if s.pending.Len() == 0 {
				// No Sync in this segment; the error state persists.
				s.errorUntilSync = true
			}
		}
	}

	if err := s.frontend.Flush(); err != nil {
		return err
	}

	if terminator == pgwire.MsgTypeSync {
		s.maybeReleaseBackend()
	}
	return nil
}

// relayResponses relays server messages to the client until the response
// for one request of the given type completes. Returns false when the
// server answered with an ErrorResponse instead.
func (s *Session) relayResponses(requestType byte) (bool, error) {
	for {
		msg, err := s.backend.Receive(s.ctx)
		if err != nil {
			return false, s.backendFailed(err)
		}

		switch m := msg.(type) {
		case *pgproto3.ErrorResponse:
			s.relayToClient(msg)
			if requestType == pgwire.MsgTypeSync || requestType == pgwire.MsgTypeQuery {
				// The ReadyForQuery is still coming.
				continue
			}
			return false, nil
		case *pgproto3.ReadyForQuery:
			s.txStatus = pgwire.TxStatus(m.TxStatus)
			s.replayParameterStatuses()
			s.frontend.Send(&pgproto3.ReadyForQuery{TxStatus: m.TxStatus})
			if pgwire.CompletesRequest(requestType, msg) {
				return true, nil
			}
		case *pgproto3.CopyInResponse:
			s.relayToClient(msg)
			if err := s.relayCopyIn(); err != nil {
				return false, err
			}
		default:
			s.relayToClient(msg)
			if pgwire.CompletesRequest(requestType, msg) {
				return true, nil
			}
		}
	}
}

// relayToClient forwards one server message, tracking parameter changes so
// the client view stays accurate.
func (s *Session) relayToClient(msg pgproto3.BackendMessage) {
	if ps, ok := msg.(*pgproto3.ParameterStatus); ok {
		s.parameterStatuses[ps.Name] = ps.Value
	}
	s.frontend.Send(msg)
}

// relayCopyIn pumps client COPY data to the server until CopyDone or
// CopyFail.
func (s *Session) relayCopyIn() error {
	// The client will not start sending until it sees CopyInResponse.
	if err := s.frontend.Flush(); err != nil {
		return err
	}
	for {
		msg, err := s.frontend.Receive()
		if err != nil {
			return err
		}
		switch msg.(type) {
		case *pgproto3.CopyData, *pgproto3.CopyDone, *pgproto3.CopyFail:
			s.backend.Send(msg)
			if _, done := msg.(*pgproto3.CopyData); !done {
				return s.backend.Flush()
			}
		case *pgproto3.Flush, *pgproto3.Sync:
			// Permitted mid-COPY by the protocol; the server ignores them
			// until the copy finishes.
			s.backend.Send(msg)
		default:
			return fmt.Errorf("unexpected message during COPY: %T", msg)
		}
	}
}

// failBatch reports a batch-level failure (e.g. pool exhaustion) to the
// client and discards the rest of the segment so the session can continue.
func (s *Session) failBatch(first pgproto3.FrontendMessage, cause error) error {
	var pgErr *pgwire.Err
	if !errors.As(cause, &pgErr) {
		s.sendError(pgwire.ErrorFatal, pgerrcode.CannotConnectNow, fmt.Sprintf("failed to acquire server connection: %v", cause))
		return cause
	}

	msg := first
	for {
		if _, ok := msg.(*pgproto3.Sync); ok {
			break
		}
		if _, ok := msg.(*pgproto3.Terminate); ok {
			return errTerminate
		}
		var err error
		msg, err = s.frontend.Receive()
		if err != nil {
			return err
		}
	}

	s.frontend.Send(pgErr.Response())
	return s.sendReadyForQuery()
}

// --- simple query protocol ---

// handleSimpleQuery intercepts prepared-statement commands in a simple
// Query; everything else is relayed untouched.
func (s *Session) handleSimpleQuery(q *pgproto3.Query) error {
	s.metrics.RecordQuery(s.dbConfig.Name, "simple")
	cmd := pgwire.ParseSimpleCommand(q.String)

	switch cmd.Kind {
	case pgwire.CommandPrepare:
		s.router.PrepareSQL(cmd.Name, cmd.Body, cmd.TypeNames)
		s.frontend.Send(&pgproto3.CommandComplete{CommandTag: []byte("PREPARE")})
		return s.sendReadyForQuery()

	case pgwire.CommandExecute:
		sql, st, err := s.router.RewriteExecute(&cmd)
		if err != nil {
			return s.sendCommandError(err)
		}
		if err := s.acquireBackend(); err != nil {
			return s.sendCommandError(err)
		}
		if err := s.ensurePrepared(cmd.Name, st); err != nil {
			var pgErr *pgwire.Err
			if errors.As(err, &pgErr) {
				return s.sendCommandError(err)
			}
			return err
		}
		return s.relayQuery(sql, false)

	case pgwire.CommandDeallocate:
		if !s.router.Deallocate(cmd.Name) {
			return s.sendCommandError(pgwire.NewUnknownStatement(cmd.Name))
		}
		s.frontend.Send(&pgproto3.CommandComplete{CommandTag: []byte("DEALLOCATE")})
		return s.sendReadyForQuery()

	case pgwire.CommandDeallocateAll:
		s.router.DeallocateAll()
		s.frontend.Send(&pgproto3.CommandComplete{CommandTag: []byte("DEALLOCATE ALL")})
		return s.sendReadyForQuery()

	case pgwire.CommandDiscardAll:
		if err := s.acquireBackend(); err != nil {
			return s.sendCommandError(err)
		}
		return s.relayQuery(q.String, true)

	default:
		if err := s.acquireBackend(); err != nil {
			return s.sendCommandError(err)
		}
		return s.relayQuery(q.String, false)
	}
}

// relayQuery forwards one simple query and relays its responses through
// ReadyForQuery. discards marks a command that wipes server-side prepared
// statements.
func (s *Session) relayQuery(sql string, discards bool) error {
	s.backend.Send(&pgproto3.Query{String: sql})
	if err := s.backend.Flush(); err != nil {
		return s.backendFailed(err)
	}

	for {
		msg, err := s.backend.Receive(s.ctx)
		if err != nil {
			return s.backendFailed(err)
		}

		switch m := msg.(type) {
		case *pgproto3.ReadyForQuery:
			if discards {
				s.backend.ForgetPrepared()
				s.router.DeallocateAll()
			}
			s.txStatus = pgwire.TxStatus(m.TxStatus)
			s.replayParameterStatuses()
			s.frontend.Send(&pgproto3.ReadyForQuery{TxStatus: m.TxStatus})
			if err := s.frontend.Flush(); err != nil {
				return err
			}
			s.maybeReleaseBackend()
			return nil
		case *pgproto3.CopyInResponse:
			s.relayToClient(msg)
			if err := s.relayCopyIn(); err != nil {
				return err
			}
		default:
			s.relayToClient(msg)
		}
	}
}

// handleFunctionCall relays a legacy fastpath function call.
func (s *Session) handleFunctionCall(m *pgproto3.FunctionCall) error {
	if err := s.acquireBackend(); err != nil {
		return s.sendCommandError(err)
	}
	clone, err := cloneFrontendMessage(m)
	if err != nil {
		return err
	}
	s.backend.Send(clone)
	s.backend.Send(&pgproto3.Sync{})
	if err := s.backend.Flush(); err != nil {
		return s.backendFailed(err)
	}

	for {
		msg, err := s.backend.Receive(s.ctx)
		if err != nil {
			return s.backendFailed(err)
		}
		if rfq, ok := msg.(*pgproto3.ReadyForQuery); ok {
			s.txStatus = pgwire.TxStatus(rfq.TxStatus)
			s.replayParameterStatuses()
			s.frontend.Send(&pgproto3.ReadyForQuery{TxStatus: rfq.TxStatus})
			if err := s.frontend.Flush(); err != nil {
				return err
			}
			s.maybeReleaseBackend()
			return nil
		}
		s.relayToClient(msg)
	}
}

// sendCommandError answers a simple-query command with an error and a
// ReadyForQuery so the client can continue.
func (s *Session) sendCommandError(err error) error {
	var pgErr *pgwire.Err
	if !errors.As(err, &pgErr) {
		pgErr = pgwire.NewErr(pgwire.Error, pgerrcode.InternalError, err.Error(), err)
	}
	s.logger.Warn("command failed", "error", err)
	s.frontend.Send(pgErr.Response())
	return s.sendReadyForQuery()
}

// sendError sends an error response to the client.
func (s *Session) sendError(severity pgwire.Severity, code string, message string) {
	_, file, line, _ := runtime.Caller(1)

	s.logger.Warn("sent error to client", "severity", severity, "code", code, "message", message)

	s.frontend.Send(&pgproto3.ErrorResponse{
		Severity: string(severity),
		Code:     code,
		Message:  message,
		File:     file,
		Line:     int32(line),
		Hint:     "pgdog proxy error",
	})
	if err := s.frontend.Flush(); err != nil {
		s.logger.Error("error flushing to client", "error", err)
	}
}

// lastMessageError reports whether a synthesized response ends in an
// ErrorResponse, which aborts the rest of the segment.
func lastMessageError(msgs []pgproto3.BackendMessage) (*pgproto3.ErrorResponse, bool) {
	if len(msgs) == 0 {
		return nil, false
	}
	errResp, ok := msgs[len(msgs)-1].(*pgproto3.ErrorResponse)
	return errResp, ok
}

// cloneFrontendMessage deep-copies a client message by round-tripping it
// through its wire encoding. pgproto3 reuses the read buffer, so messages
// held past the next Receive must be cloned.
func cloneFrontendMessage(msg pgproto3.FrontendMessage) (pgproto3.FrontendMessage, error) {
	buf, err := msg.Encode(nil)
	if err != nil {
		return nil, err
	}
	// Strip the type byte and length prefix.
	payload := buf[5:]

	var clone pgproto3.FrontendMessage
	switch msg.(type) {
	case *pgproto3.Parse:
		clone = &pgproto3.Parse{}
	case *pgproto3.Bind:
		clone = &pgproto3.Bind{}
	case *pgproto3.Describe:
		clone = &pgproto3.Describe{}
	case *pgproto3.Execute:
		clone = &pgproto3.Execute{}
	case *pgproto3.Close:
		clone = &pgproto3.Close{}
	case *pgproto3.FunctionCall:
		clone = &pgproto3.FunctionCall{}
	case *pgproto3.Query:
		clone = &pgproto3.Query{}
	case *pgproto3.Sync:
		return &pgproto3.Sync{}, nil
	case *pgproto3.Flush:
		return &pgproto3.Flush{}, nil
	default:
		return nil, fmt.Errorf("cannot clone message type %T", msg)
	}
	if err := clone.Decode(payload); err != nil {
		return nil, err
	}
	return clone, nil
}

// enableTracing enables pgproto3 protocol tracing when debug logging is on.
func (s *Session) enableTracing() {
	if s.logger.Enabled(s.ctx, slog.LevelDebug) {
		s.frontend.Trace(&slogTraceWriter{session: s}, pgproto3.TracerOptions{
			SuppressTimestamps: true,
		})
	}
}

// slogTraceWriter adapts pgproto3 trace output to slog debug calls. It
// references the Session directly so it picks up logger metadata updates.
type slogTraceWriter struct {
	session *Session
	buf     bytes.Buffer
}

// Write buffers input and logs complete lines.
func (w *slogTraceWriter) Write(p []byte) (n int, err error) {
	n = len(p)
	w.buf.Write(p)

	for {
		line, err := w.buf.ReadBytes('\n')
		if err != nil {
			// Partial line, keep it for the next write.
			w.buf.Write(line)
			break
		}
		line = bytes.TrimSuffix(line, []byte("\n"))
		if len(line) > 0 {
			w.session.logger.Debug("pgproto3", "trace", string(line))
		}
	}

	return n, nil
}
