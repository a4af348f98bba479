// Package frontend accepts client connections and speaks the PostgreSQL
// wire protocol to them. It terminates authentication at the proxy,
// virtualizes prepared statements, and relays query traffic to pooled
// server connections owned by the backend package.
package frontend

import (
	"context"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5/pgproto3"
)

// Frontend is the protocol handle for one connected client. pgproto3 calls
// the server side of a connection a Backend; from the proxy's point of view
// the client is its frontend, hence the name.
type Frontend struct {
	*pgproto3.Backend
	ctx context.Context
}

// NewFrontend wraps a client connection in a protocol handle bound to ctx.
// Receive fails once ctx is canceled.
func NewFrontend(ctx context.Context, rw io.ReadWriter) *Frontend {
	return &Frontend{
		Backend: pgproto3.NewBackend(rw, rw),
		ctx:     ctx,
	}
}

// Receive reads the next client message. Messages are only valid until the
// next call to Receive.
func (f *Frontend) Receive() (pgproto3.FrontendMessage, error) {
	if err := f.ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}
	msg, err := f.Backend.Receive()
	if err != nil {
		return nil, err
	}
	if err := f.ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}
	return msg, nil
}
