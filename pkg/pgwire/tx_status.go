// Package pgwire holds PostgreSQL wire-protocol vocabulary shared by the
// frontend and backend halves of the proxy: transaction status, error
// severities, ErrorResponse construction, simple-query command recognition,
// and the request/response bookkeeping used when relaying extended-protocol
// batches. The codec itself is jackc/pgproto3.
package pgwire

// TxStatus is the transaction status byte carried in ReadyForQuery.
type TxStatus byte

const (
	TxIdle          TxStatus = 'I'
	TxActive        TxStatus = 'A'
	TxInTransaction TxStatus = 'T'
	TxFailed        TxStatus = 'E'
)

// InTransaction reports whether the session currently holds an open
// transaction (healthy or failed). The pool may only reclaim a server
// connection when this is false.
func (s TxStatus) InTransaction() bool {
	return s == TxInTransaction || s == TxFailed
}

func (s TxStatus) String() string {
	switch s {
	case TxIdle:
		return "idle"
	case TxActive:
		return "active"
	case TxInTransaction:
		return "in transaction"
	case TxFailed:
		return "failed transaction"
	default:
		return "unknown"
	}
}
