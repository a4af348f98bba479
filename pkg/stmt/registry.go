// Package stmt implements transparent prepared-statement virtualization.
//
// Clients prepare statements under names of their own choosing, but the
// server connection a client is bound to changes between transactions. The
// registry assigns every distinct statement a process-wide identity and a
// proxy-generated server-side name, so the same statement prepared by many
// clients occupies one slot on each server connection and can be re-prepared
// on whatever connection a client lands on next.
package stmt

import (
	"container/list"
	"fmt"
	"strings"
	"sync"
)

// serverName formats the globally unique server-side statement name.
func serverName(counter uint64) string {
	return fmt.Sprintf("__pgdog_%d", counter)
}

// Statement is an interned prepared statement. Immutable after creation and
// shared by every client binding and server connection that references it.
type Statement struct {
	// Name is the proxy-generated name used on every server connection
	// in place of the client-chosen name.
	Name string

	// Query is the normalized statement text.
	Query string

	// ParameterOIDs are the parameter types declared in a protocol-level
	// Parse. Nil when the client left them to inference.
	ParameterOIDs []uint32

	// TypeNames are the parameter types declared in a SQL-level PREPARE.
	TypeNames []string

	// FromSQL records whether the statement was created with a SQL
	// PREPARE rather than a protocol Parse. It determines how the
	// statement is re-created on a server connection that lacks it.
	FromSQL bool

	key string
}

// PrepareSQL returns the PREPARE command that creates this statement on a
// server connection. Only valid for SQL-origin statements.
func (s *Statement) PrepareSQL() string {
	var b strings.Builder
	b.WriteString("PREPARE ")
	b.WriteString(s.Name)
	if len(s.TypeNames) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(s.TypeNames, ", "))
		b.WriteString(")")
	}
	b.WriteString(" AS ")
	b.WriteString(s.Query)
	return b.String()
}

// ExecuteSQL returns the EXECUTE command that runs this statement on a
// server connection, with the given raw argument list.
func (s *Statement) ExecuteSQL(args string) string {
	if args == "" {
		return "EXECUTE " + s.Name
	}
	return "EXECUTE " + s.Name + " (" + args + ")"
}

type entry struct {
	stmt *Statement
	uses int
	// elem is non-nil while the entry sits on the unused list.
	elem *list.Element
}

// Registry is the process-wide statement cache. It deduplicates statements
// across clients and retains the text needed to re-prepare a statement on a
// fresh server connection.
//
// Retention is use-counted: an entry referenced by at least one live client
// binding is never evicted, so routing can always rehydrate the text for any
// reachable statement. Unused entries are kept up to capacity in LRU order
// as a dedup cache and reclaimed beyond it.
type Registry struct {
	mu        sync.RWMutex
	capacity  int
	counter   uint64
	evictions uint64

	byKey  map[string]*entry
	byName map[string]*entry

	// unused holds zero-use entries, front = most recently released.
	unused *list.List
}

// NewRegistry creates a registry that retains up to capacity unused
// statements. Capacity 0 means unused statements are dropped immediately;
// entries with live bindings are retained regardless.
func NewRegistry(capacity int) *Registry {
	return &Registry{
		capacity: capacity,
		byKey:    make(map[string]*entry),
		byName:   make(map[string]*entry),
		unused:   list.New(),
	}
}

// Intern registers a protocol-level statement and returns its identity,
// incrementing its use count. Two interns with the same normalized text and
// parameter types yield the same identity.
func (r *Registry) Intern(query string, parameterOIDs []uint32) *Statement {
	normalized := NormalizeQuery(query)
	key := protocolKey(normalized, parameterOIDs)

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.byKey[key]; ok {
		r.retain(e)
		return e.stmt
	}

	r.counter++
	stmt := &Statement{
		Name:          serverName(r.counter),
		Query:         normalized,
		ParameterOIDs: append([]uint32(nil), parameterOIDs...),
		key:           key,
	}
	r.insert(stmt)
	return stmt
}

// InternSQL registers a SQL-level PREPARE and returns its identity,
// incrementing its use count.
func (r *Registry) InternSQL(body string, typeNames []string) *Statement {
	normalized := NormalizeQuery(body)
	key := sqlKey(normalized, typeNames)

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.byKey[key]; ok {
		r.retain(e)
		return e.stmt
	}

	r.counter++
	stmt := &Statement{
		Name:      serverName(r.counter),
		Query:     normalized,
		TypeNames: append([]string(nil), typeNames...),
		FromSQL:   true,
		key:       key,
	}
	r.insert(stmt)
	return stmt
}

// Lookup resolves a server-side name back to its statement. Used when a
// server connection needs the Parse material for transparent re-preparation.
func (r *Registry) Lookup(name string) (*Statement, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return e.stmt, true
}

// Release decrements a statement's use count. Entries that drop to zero
// become eviction candidates beyond the registry's capacity; server
// connections that already prepared the statement keep working either way.
func (r *Registry) Release(stmt *Statement) {
	if stmt == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byKey[stmt.key]
	if !ok || e.uses == 0 {
		return
	}
	e.uses--
	if e.uses == 0 {
		e.elem = r.unused.PushFront(e)
		r.evictLocked()
	}
}

// Len returns the number of registered statements.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey)
}

// Evictions returns the number of entries evicted since creation. Server
// connections compare it against their last-seen value to decide whether
// their prepared sets need reconciling, and it feeds the eviction counter
// metric.
func (r *Registry) Evictions() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.evictions
}

// insert registers a fresh entry with one use. Caller holds the write lock.
func (r *Registry) insert(stmt *Statement) {
	e := &entry{stmt: stmt, uses: 1}
	r.byKey[stmt.key] = e
	r.byName[stmt.Name] = e
}

// retain bumps an entry's use count, pulling it off the unused list if it
// was an eviction candidate. Caller holds the write lock.
func (r *Registry) retain(e *entry) {
	if e.uses == 0 && e.elem != nil {
		r.unused.Remove(e.elem)
		e.elem = nil
	}
	e.uses++
}

// evictLocked reclaims the least recently released unused entries beyond
// capacity. Caller holds the write lock.
func (r *Registry) evictLocked() {
	for r.unused.Len() > r.capacity {
		back := r.unused.Back()
		if back == nil {
			return
		}
		e := back.Value.(*entry)
		r.unused.Remove(back)
		e.elem = nil
		delete(r.byKey, e.stmt.key)
		delete(r.byName, e.stmt.Name)
		r.evictions++
	}
}

func protocolKey(normalized string, oids []uint32) string {
	var b strings.Builder
	b.WriteByte('P')
	b.WriteString(normalized)
	for _, oid := range oids {
		fmt.Fprintf(&b, "\x00%d", oid)
	}
	return b.String()
}

func sqlKey(normalized string, typeNames []string) string {
	var b strings.Builder
	b.WriteByte('S')
	b.WriteString(normalized)
	for _, t := range typeNames {
		b.WriteByte(0)
		b.WriteString(strings.ToLower(strings.TrimSpace(t)))
	}
	return b.String()
}

// NormalizeQuery collapses insignificant whitespace so that the same
// statement sent with different formatting interns to one identity. String
// literals, quoted identifiers, and dollar-quoted bodies are preserved
// byte for byte.
func NormalizeQuery(query string) string {
	var b strings.Builder
	b.Grow(len(query))

	i := 0
	pendingSpace := false
	for i < len(query) {
		c := query[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			if b.Len() > 0 {
				pendingSpace = true
			}
			i++
			continue
		case c == '\'' || c == '"':
			end := scanQuoted(query, i, c)
			writePending(&b, &pendingSpace)
			b.WriteString(query[i:end])
			i = end
		case c == '$':
			if end, ok := scanDollarQuoted(query, i); ok {
				writePending(&b, &pendingSpace)
				b.WriteString(query[i:end])
				i = end
				continue
			}
			writePending(&b, &pendingSpace)
			b.WriteByte(c)
			i++
		default:
			writePending(&b, &pendingSpace)
			b.WriteByte(c)
			i++
		}
	}

	return strings.TrimSuffix(b.String(), ";")
}

func writePending(b *strings.Builder, pendingSpace *bool) {
	if *pendingSpace {
		b.WriteByte(' ')
		*pendingSpace = false
	}
}

// scanQuoted returns the index just past a quoted region starting at
// query[start] == quote. Doubled quotes escape themselves.
func scanQuoted(query string, start int, quote byte) int {
	i := start + 1
	for i < len(query) {
		if query[i] == quote {
			if i+1 < len(query) && query[i+1] == quote {
				i += 2
				continue
			}
			return i + 1
		}
		i++
	}
	return len(query)
}

// scanDollarQuoted returns the index just past a dollar-quoted region
// ($tag$...$tag$) starting at query[start] == '$', or ok=false if this is an
// ordinary parameter placeholder.
func scanDollarQuoted(query string, start int) (int, bool) {
	i := start + 1
	for i < len(query) && query[i] != '$' {
		c := query[i]
		if !(c == '_' || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9')) {
			return 0, false
		}
		i++
	}
	if i >= len(query) {
		return 0, false
	}
	tag := query[start : i+1] // includes both dollar signs
	if len(tag) > 2 && tag[1] >= '0' && tag[1] <= '9' {
		return 0, false // $1$... is a placeholder followed by more text
	}
	closing := strings.Index(query[i+1:], tag)
	if closing < 0 {
		return len(query), true // unterminated, keep the rest verbatim
	}
	return i + 1 + closing + len(tag), true
}
