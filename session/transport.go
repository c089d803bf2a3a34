package session

import "context"

// SendResult is the outcome of delivering one frame.
type SendResult int

const (
	SendSuccessful SendResult = iota
	SendFailure
	// SendSkipped means the transport was already closed.
	SendSkipped
)

func (r SendResult) String() string {
	switch r {
	case SendSuccessful:
		return "successful"
	case SendFailure:
		return "failure"
	case SendSkipped:
		return "skipped"
	}
	return "unknown"
}

// Transport is one bidirectional client connection. Inbound frames are fed
// to Session.OnMessage by whoever owns the read loop.
type Transport interface {
	Send(ctx context.Context, data []byte) SendResult
	Close(code int, reason string)
}

// Close codes used when the server ends a session.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	CloseUnsupportedData = 1003
	ClosePolicyViolation = 1008
	CloseInternalError   = 1011
	CloseTryAgainLater   = 1013
)
