package pgwire

import (
	"fmt"
	"runtime"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgproto3"
)

// Severity is the S field of an ErrorResponse.
type Severity string

const (
	Error      Severity = "ERROR"
	ErrorFatal Severity = "FATAL"
)

// Err is an error that renders as a PostgreSQL ErrorResponse on the wire.
// Everything the proxy reports to a client flows through this type so that
// client drivers see ordinary SQLSTATE-coded errors rather than dropped
// connections.
type Err struct {
	pgproto3.ErrorResponse
	C error
}

var _ error = &Err{}

func (e *Err) Error() string {
	if e.C != nil {
		return fmt.Sprintf("%s %s: %s: %s", e.Severity, e.Code, e.Message, e.C.Error())
	}
	return fmt.Sprintf("%s %s: %s", e.Severity, e.Code, e.Message)
}

func (e *Err) Cause() error {
	return e.C
}

func (e *Err) Unwrap() error {
	return e.C
}

// Response returns the wire message to relay to the client.
func (e *Err) Response() *pgproto3.ErrorResponse {
	return &e.ErrorResponse
}

func NewErr(severity Severity, code string, message string, cause error) *Err {
	_, file, line, _ := runtime.Caller(1)
	return &Err{
		ErrorResponse: pgproto3.ErrorResponse{
			Severity: string(severity),
			Code:     code,
			Message:  message,
			File:     file,
			Line:     int32(line),
			Hint:     "pgdog proxy error",
		},
		C: cause,
	}
}

// NewUnknownStatement reports an EXECUTE or Bind that references a name the
// client never prepared. Matches the server's own wording so drivers that
// sniff the message keep working.
func NewUnknownStatement(name string) *Err {
	return NewErr(Error, pgerrcode.InvalidSQLStatementName,
		fmt.Sprintf("prepared statement %q does not exist", name), nil)
}

// WrapErrorResponse converts a server ErrorResponse into an Err so server
// reported failures flow through the same path as proxy generated ones and
// reach the client unchanged.
func WrapErrorResponse(resp *pgproto3.ErrorResponse) *Err {
	return &Err{ErrorResponse: *resp}
}

// NewPoolExhausted reports that no server connection became available in
// time. Backoff-worthy for the client, not fatal for the proxy.
func NewPoolExhausted(cause error) *Err {
	return NewErr(Error, pgerrcode.TooManyConnections,
		"no server connection available", cause)
}

// NewConnectionLost reports that the server connection died mid-operation.
// The connection is discarded; the client may safely resubmit.
func NewConnectionLost(cause error) *Err {
	return NewErr(ErrorFatal, pgerrcode.ConnectionFailure,
		"server connection lost", cause)
}
