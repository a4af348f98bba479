package pgwire

import (
	"github.com/jackc/pgx/v5/pgproto3"
)

// ResponseAction determines how the proxy produces the response for a client
// request in an extended-protocol batch.
type ResponseAction int

const (
	// ActionRelay forwards the request to the server and relays its
	// responses back to the client.
	ActionRelay ResponseAction = iota
	// ActionSynthesize answers the request from the proxy without any
	// server traffic (e.g. ParseComplete for an absorbed Parse).
	ActionSynthesize
)

func (a ResponseAction) String() string {
	switch a {
	case ActionRelay:
		return "relay"
	case ActionSynthesize:
		return "synthesize"
	default:
		return "unknown"
	}
}

// PendingRequest tracks one client request awaiting its response. Responses
// to a batch arrive strictly in request order, so a FIFO of these is enough
// to interleave relayed and synthesized responses correctly.
type PendingRequest struct {
	// RequestType is the client message type byte ('P' Parse, 'B' Bind,
	// 'D' Describe, 'E' Execute, 'C' Close, 'S' Sync, 'Q' Query).
	RequestType byte

	// Action determines how the response is produced.
	Action ResponseAction

	// StatementName is the client-visible statement name, when relevant.
	StatementName string

	// Synthetic are the messages sent to the client for ActionSynthesize.
	Synthetic []pgproto3.BackendMessage
}

// PendingRequests is the FIFO of outstanding requests in the current batch.
type PendingRequests struct {
	requests []PendingRequest
}

// Push appends a request to the queue.
func (q *PendingRequests) Push(req PendingRequest) {
	q.requests = append(q.requests, req)
}

// Pop removes and returns the front request.
func (q *PendingRequests) Pop() (PendingRequest, bool) {
	if len(q.requests) == 0 {
		return PendingRequest{}, false
	}
	req := q.requests[0]
	q.requests = q.requests[1:]
	return req, true
}

// Peek returns the front request without removing it.
func (q *PendingRequests) Peek() (PendingRequest, bool) {
	if len(q.requests) == 0 {
		return PendingRequest{}, false
	}
	return q.requests[0], true
}

// Len returns the number of outstanding requests.
func (q *PendingRequests) Len() int {
	return len(q.requests)
}

// DropUntilSync discards requests up to, but not including, the next Sync.
// After an error the server ignores messages until Sync, so the proxy must
// not answer the skipped requests either.
func (q *PendingRequests) DropUntilSync() {
	for i, req := range q.requests {
		if req.RequestType == MsgTypeSync {
			q.requests = q.requests[i:]
			return
		}
	}
	q.requests = nil
}

// Client request type bytes.
const (
	MsgTypeParse    byte = 'P'
	MsgTypeBind     byte = 'B'
	MsgTypeDescribe byte = 'D'
	MsgTypeExecute  byte = 'E'
	MsgTypeClose    byte = 'C'
	MsgTypeSync     byte = 'S'
	MsgTypeQuery    byte = 'Q'
	MsgTypeFlush    byte = 'H'
)

// CompletesRequest reports whether a server message is the final response to
// a request of the given type. Intermediate messages (DataRow before
// CommandComplete, ParameterDescription before RowDescription) return false
// and are relayed without advancing the queue.
func CompletesRequest(requestType byte, msg pgproto3.BackendMessage) bool {
	switch requestType {
	case MsgTypeParse:
		_, ok := msg.(*pgproto3.ParseComplete)
		return ok
	case MsgTypeBind:
		_, ok := msg.(*pgproto3.BindComplete)
		return ok
	case MsgTypeClose:
		_, ok := msg.(*pgproto3.CloseComplete)
		return ok
	case MsgTypeDescribe:
		switch msg.(type) {
		case *pgproto3.RowDescription, *pgproto3.NoData:
			return true
		}
		return false
	case MsgTypeExecute:
		switch msg.(type) {
		case *pgproto3.CommandComplete, *pgproto3.PortalSuspended, *pgproto3.EmptyQueryResponse:
			return true
		}
		return false
	case MsgTypeSync, MsgTypeQuery:
		_, ok := msg.(*pgproto3.ReadyForQuery)
		return ok
	default:
		return false
	}
}

// IsAsyncMessage reports whether a server message is delivered outside the
// request/response correspondence and should be relayed whenever received.
func IsAsyncMessage(msg pgproto3.BackendMessage) bool {
	switch msg.(type) {
	case *pgproto3.ParameterStatus, *pgproto3.NoticeResponse, *pgproto3.NotificationResponse:
		return true
	}
	return false
}
