package stmt

import (
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/tiberiuv/pgdog/pkg/pgwire"
)

// Router owns one client session's statement namespace. It maps the names
// the client chose onto registry identities and rewrites protocol messages
// and SQL commands to use the server-side names, so the server never sees a
// client-chosen statement name.
//
// A Router is confined to its session's goroutine and needs no locking.
type Router struct {
	registry *Registry
	bindings map[string]*Statement
}

// NewRouter creates an empty namespace backed by the shared registry.
func NewRouter(registry *Registry) *Router {
	return &Router{
		registry: registry,
		bindings: make(map[string]*Statement),
	}
}

// Prepare binds a client name to a protocol-level statement. Redefining an
// existing name silently replaces the binding, matching a server that allows
// re-Parse under the unnamed statement and clients that deallocate first.
func (r *Router) Prepare(clientName, query string, parameterOIDs []uint32) *Statement {
	stmt := r.registry.Intern(query, parameterOIDs)
	r.bind(clientName, stmt)
	return stmt
}

// PrepareSQL binds a client name to a SQL-level PREPARE.
func (r *Router) PrepareSQL(clientName, body string, typeNames []string) *Statement {
	stmt := r.registry.InternSQL(body, typeNames)
	r.bind(clientName, stmt)
	return stmt
}

// Resolve returns the statement bound to a client name.
func (r *Router) Resolve(clientName string) (*Statement, error) {
	stmt, ok := r.bindings[clientName]
	if !ok {
		return nil, pgwire.NewUnknownStatement(clientName)
	}
	return stmt, nil
}

// Bound reports whether a client name is currently bound.
func (r *Router) Bound(clientName string) bool {
	_, ok := r.bindings[clientName]
	return ok
}

// Deallocate removes a client name binding. It reports whether the name was
// bound; callers surface the unknown-statement error for SQL DEALLOCATE and
// stay silent for protocol Close, which the server treats as a no-op.
func (r *Router) Deallocate(clientName string) bool {
	stmt, ok := r.bindings[clientName]
	if !ok {
		return false
	}
	delete(r.bindings, clientName)
	r.registry.Release(stmt)
	return true
}

// DeallocateAll removes every binding, as DEALLOCATE ALL and DISCARD ALL do.
func (r *Router) DeallocateAll() int {
	n := len(r.bindings)
	for name, stmt := range r.bindings {
		delete(r.bindings, name)
		r.registry.Release(stmt)
	}
	return n
}

// Close releases every binding at session end.
func (r *Router) Close() {
	r.DeallocateAll()
}

// Len returns the number of live bindings.
func (r *Router) Len() int {
	return len(r.bindings)
}

// RewriteParse interns the statement a Parse describes and returns its
// identity. The Parse itself is absorbed; preparation on a server connection
// happens lazily when the statement is first used.
func (r *Router) RewriteParse(msg *pgproto3.Parse) *Statement {
	return r.Prepare(msg.Name, msg.Query, msg.ParameterOIDs)
}

// RewriteBind resolves a Bind's statement name and rewrites it in place to
// the server-side name. Binds against the unnamed statement pass through.
func (r *Router) RewriteBind(msg *pgproto3.Bind) (*Statement, error) {
	if msg.PreparedStatement == "" {
		return nil, nil
	}
	stmt, err := r.Resolve(msg.PreparedStatement)
	if err != nil {
		return nil, err
	}
	msg.PreparedStatement = stmt.Name
	return stmt, nil
}

// RewriteDescribe resolves and rewrites a statement-level Describe in place.
// Portal describes and the unnamed statement pass through.
func (r *Router) RewriteDescribe(msg *pgproto3.Describe) (*Statement, error) {
	if msg.ObjectType != 'S' || msg.Name == "" {
		return nil, nil
	}
	stmt, err := r.Resolve(msg.Name)
	if err != nil {
		return nil, err
	}
	msg.Name = stmt.Name
	return stmt, nil
}

// RewriteClose handles a statement-level Close locally, returning true when
// the message must not reach the server. The statement may still be in use
// by other sessions, so the server-side copy is left alone.
func (r *Router) RewriteClose(msg *pgproto3.Close) bool {
	if msg.ObjectType != 'S' {
		return false
	}
	r.Deallocate(msg.Name)
	return true
}

// RewriteExecute resolves a SQL EXECUTE command and returns the rewritten
// text addressing the server-side name, plus the statement to ensure on the
// server connection first.
func (r *Router) RewriteExecute(cmd *pgwire.SimpleCommand) (string, *Statement, error) {
	stmt, err := r.Resolve(cmd.Name)
	if err != nil {
		return "", nil, err
	}
	return stmt.ExecuteSQL(cmd.Args), stmt, nil
}

func (r *Router) bind(clientName string, stmt *Statement) {
	if old, ok := r.bindings[clientName]; ok && old != stmt {
		r.registry.Release(old)
	} else if ok && old == stmt {
		// Re-prepare of the identical statement under the same name:
		// Intern took a use we do not need twice.
		r.registry.Release(stmt)
		return
	}
	r.bindings[clientName] = stmt
}
