package config

import (
	"encoding/json/v2"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolerMode controls when a server connection is released back to its pool.
type PoolerMode string

const (
	// PoolerModeTransaction releases the server connection whenever the
	// session is idle outside a transaction. This is the default.
	PoolerModeTransaction PoolerMode = "transaction"
	// PoolerModeSession pins the server connection to the client for the
	// lifetime of the client connection.
	PoolerModeSession PoolerMode = "session"
)

// DatabaseConfig configures one proxied database: its listeners, the users
// allowed to connect, and the server it forwards to.
type DatabaseConfig struct {
	// Name is the database name clients request in their startup packet.
	Name               string                   `json:"name"`
	Listen             []ListenAddr             `json:"listen"`
	TLS                *TLSConfig               `json:"tls,omitzero"`
	Users              []UserConfig             `json:"users"`
	Backend            BackendConfig            `json:"backend"`
	PoolerMode         PoolerMode               `json:"pooler_mode,omitzero"`
	PreparedStatements PreparedStatementsConfig `json:"prepared_statements,omitzero"`
	AuthMethod         AuthMethod               `json:"auth_method,omitzero"`

	// ScramIterations is the PBKDF2 iteration count for SCRAM-SHA-256.
	// Default: 4096, matching the PostgreSQL default.
	ScramIterations int `json:"scram_iterations,omitzero"`

	// TrackExtraParameters lists ParameterStatus keys to report to clients
	// beyond the standard set.
	TrackExtraParameters []string `json:"track_extra_parameters,omitempty"`
}

// GetAuthMethod returns the client auth method, defaulting to SCRAM-SHA-256.
func (d *DatabaseConfig) GetAuthMethod() AuthMethod {
	if d.AuthMethod == "" {
		return AuthMethodSCRAMSHA256
	}
	return d.AuthMethod
}

// GetScramIterations returns the SCRAM iteration count, defaulting to 4096.
func (d *DatabaseConfig) GetScramIterations() int {
	if d.ScramIterations == 0 {
		return 4096
	}
	return d.ScramIterations
}

// GetPoolerMode returns the pooler mode, defaulting to transaction pooling.
func (d *DatabaseConfig) GetPoolerMode() PoolerMode {
	if d.PoolerMode == "" {
		return PoolerModeTransaction
	}
	return d.PoolerMode
}

// Validate checks the database configuration.
func (d *DatabaseConfig) Validate() error {
	var errs []error

	if d.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if len(d.Listen) == 0 {
		errs = append(errs, errors.New("at least one listen address is required"))
	}
	if len(d.Users) == 0 {
		errs = append(errs, errors.New("at least one user is required"))
	}
	switch d.GetPoolerMode() {
	case PoolerModeTransaction, PoolerModeSession:
	default:
		errs = append(errs, fmt.Errorf("invalid pooler_mode %q: must be \"transaction\" or \"session\"", d.PoolerMode))
	}
	if err := d.AuthMethod.Validate(); err != nil {
		errs = append(errs, err)
	}
	if _, err := d.Backend.PoolConfig(); err != nil {
		errs = append(errs, fmt.Errorf("backend: %w", err))
	}
	if d.TLS != nil {
		if err := d.TLS.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("tls: %w", err))
		}
	}

	return errors.Join(errs...)
}

// UserConfig configures authentication credentials for a user. Clients must
// present these credentials to the proxy; the proxy presents them to the
// server when opening pool connections.
type UserConfig struct {
	Username SecretRef `json:"username"`
	Password SecretRef `json:"password"`
}

// PreparedStatementsConfig tunes the shared prepared statement cache.
type PreparedStatementsConfig struct {
	// CacheCapacity bounds how many statements with no live client bindings
	// are retained for reuse. Statements still bound by a client are always
	// retained. Default: 500.
	CacheCapacity int `json:"cache_capacity,omitzero"`
}

// GetCacheCapacity returns the cache capacity, defaulting to 500.
func (p *PreparedStatementsConfig) GetCacheCapacity() int {
	if p.CacheCapacity == 0 {
		return 500
	}
	return p.CacheCapacity
}

// BackendConfig configures the PostgreSQL server to proxy to.
type BackendConfig struct {
	Host string `json:"host"`
	Port uint16 `json:"port"`
	// Database is the database name on the server. Defaults to the
	// DatabaseConfig name when empty.
	Database string `json:"database,omitzero"`

	// PoolMaxConns is the per-user connection limit. Default: 10.
	PoolMaxConns int32 `json:"pool_max_conns,omitzero"`
	// PoolMinIdleConns keeps warm connections open per user.
	PoolMinIdleConns int32 `json:"pool_min_idle_conns,omitzero"`
	// MaxConnIdleTime closes connections idle longer than this. Default: 30m.
	MaxConnIdleTime Duration `json:"max_conn_idle_time,omitzero"`
	// ConnectTimeout bounds how long opening a server connection may take.
	// Default: 5s.
	ConnectTimeout Duration `json:"connect_timeout,omitzero"`
	// CheckoutTimeout bounds how long a client waits for a pooled
	// connection before the checkout fails. Default: 30s.
	CheckoutTimeout Duration `json:"checkout_timeout,omitzero"`

	// DefaultStartupParameters are sent in the startup packet of every
	// server connection, in file order.
	DefaultStartupParameters StartupParameters `json:"default_startup_parameters,omitzero"`
}

// GetPoolMaxConns returns the per-user connection limit, defaulting to 10.
func (b *BackendConfig) GetPoolMaxConns() int32 {
	if b.PoolMaxConns == 0 {
		return 10
	}
	return b.PoolMaxConns
}

// GetMaxConnIdleTime returns the idle timeout, defaulting to 30 minutes.
func (b *BackendConfig) GetMaxConnIdleTime() time.Duration {
	if b.MaxConnIdleTime == 0 {
		return 30 * time.Minute
	}
	return b.MaxConnIdleTime.Duration()
}

// GetCheckoutTimeout returns the checkout timeout, defaulting to 30 seconds.
func (b *BackendConfig) GetCheckoutTimeout() time.Duration {
	if b.CheckoutTimeout == 0 {
		return 30 * time.Second
	}
	return b.CheckoutTimeout.Duration()
}

// GetConnectTimeout returns the connect timeout, defaulting to 5 seconds.
func (b *BackendConfig) GetConnectTimeout() time.Duration {
	if b.ConnectTimeout == 0 {
		return 5 * time.Second
	}
	return b.ConnectTimeout.Duration()
}

// PoolConfig builds a pgxpool.Config for this server. Credentials are left
// unset; the caller fills them in per user.
func (b *BackendConfig) PoolConfig() (*pgxpool.Config, error) {
	if b.Host == "" {
		return nil, errors.New("host is required")
	}
	port := b.Port
	if port == 0 {
		port = 5432
	}

	cfg, err := pgxpool.ParseConfig(fmt.Sprintf("host=%s port=%d", b.Host, port))
	if err != nil {
		return nil, fmt.Errorf("invalid backend address: %w", err)
	}

	cfg.MaxConns = b.GetPoolMaxConns()
	cfg.MinIdleConns = b.PoolMinIdleConns
	cfg.MaxConnIdleTime = b.GetMaxConnIdleTime()
	cfg.ConnConfig.ConnectTimeout = b.GetConnectTimeout()
	if b.Database != "" {
		cfg.ConnConfig.Database = b.Database
	}
	for k, v := range b.DefaultStartupParameters.All() {
		cfg.ConnConfig.RuntimeParams[k] = v
	}

	// The pool must hand out raw protocol-level connections: no automatic
	// statement caching or type map queries behind the client's back.
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	cfg.ConnConfig.StatementCacheCapacity = 0
	cfg.ConnConfig.DescriptionCacheCapacity = 0

	return cfg, nil
}

// StartupParameters is a map of PostgreSQL startup parameters that preserves
// insertion order from the JSON file.
type StartupParameters struct {
	keys   []string
	values map[string]string
}

// All returns an iterator over parameters in insertion order.
func (p *StartupParameters) All() iter.Seq2[string, string] {
	return func(yield func(string, string) bool) {
		for _, k := range p.keys {
			if !yield(k, p.values[k]) {
				return
			}
		}
	}
}

// Set adds or replaces a parameter, appending new keys at the end.
func (p *StartupParameters) Set(key, value string) {
	if p.values == nil {
		p.values = make(map[string]string)
	}
	if _, ok := p.values[key]; !ok {
		p.keys = append(p.keys, key)
	}
	p.values[key] = value
}

// UnmarshalJSON parses a JSON object, preserving key order from the file.
func (p *StartupParameters) UnmarshalJSON(data []byte) error {
	p.keys = nil
	p.values = nil

	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	// json/v2 object keys come back in document order through a second pass
	// over the raw text, since Go maps do not preserve order.
	for _, key := range objectKeysInOrder(data) {
		if v, ok := raw[key]; ok {
			p.Set(key, v)
		}
	}
	return nil
}

// MarshalJSON serializes parameters in insertion order.
func (p StartupParameters) MarshalJSON() ([]byte, error) {
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range p.keys {
		if i > 0 {
			b.WriteByte(',')
		}
		keyBytes, _ := json.Marshal(k)
		valBytes, _ := json.Marshal(p.values[k])
		b.Write(keyBytes)
		b.WriteByte(':')
		b.Write(valBytes)
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}

// objectKeysInOrder scans a JSON object's top-level string keys in document
// order. The input is known to be a valid object by the time this runs.
func objectKeysInOrder(data []byte) []string {
	var keys []string
	depth := 0
	i := 0
	expectKey := false
	for i < len(data) {
		switch data[i] {
		case '{':
			depth++
			expectKey = depth == 1
			i++
		case '}':
			depth--
			i++
		case '"':
			start := i
			i++
			for i < len(data) && data[i] != '"' {
				if data[i] == '\\' {
					i++
				}
				i++
			}
			i++
			if depth == 1 && expectKey {
				var key string
				if err := json.Unmarshal(data[start:i], &key); err == nil {
					keys = append(keys, key)
				}
				expectKey = false
			}
		case ',':
			if depth == 1 {
				expectKey = true
			}
			i++
		default:
			i++
		}
	}
	return keys
}

// ListenAddr is a network address suitable for net.Listen.
// It normalizes JSON input formats like "5432", ":5432", or "127.0.0.1:5432"
// into the "host:port" format expected by Go's net package.
type ListenAddr string

// UnmarshalJSON parses a listen address string and normalizes it.
func (l *ListenAddr) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*l = ListenAddr(normalizeListenAddr(s))
	return nil
}

// String returns the normalized address string.
func (l ListenAddr) String() string {
	return string(l)
}

// normalizeListenAddr converts various address formats to "host:port".
// Accepts: "5432", ":5432", "127.0.0.1:5432"
func normalizeListenAddr(s string) string {
	if !strings.Contains(s, ":") {
		return ":" + s
	}
	return s
}
