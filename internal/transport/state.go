package transport

import "fmt"

// ReadyState is the lifecycle position of a Message.
type ReadyState int

const (
	// StateUnset means Open has not been called yet.
	StateUnset ReadyState = 0
	// StateOpened means Open was called and the request may be configured.
	StateOpened ReadyState = 1
	// StateAwaitingResponse means Send was called and delivery is pending.
	StateAwaitingResponse ReadyState = 2
	// StateDone means the response has been copied back.
	StateDone ReadyState = 4
	// StateReceived marks the server-side view handed to a handler.
	StateReceived ReadyState = 5
)

func (s ReadyState) String() string {
	switch s {
	case StateUnset:
		return "UNSET"
	case StateOpened:
		return "OPENED"
	case StateAwaitingResponse:
		return "AWAITING_RESPONSE"
	case StateDone:
		return "DONE"
	case StateReceived:
		return "RECEIVED"
	default:
		return fmt.Sprintf("ReadyState(%d)", int(s))
	}
}

var statusTexts = map[int]string{
	200: "OK",
	201: "Created",
	400: "Bad Request",
	401: "Unauthorized",
	403: "Forbidden",
	404: "Not Found",
	500: "Internal Error",
	501: "Not Implemented",
}

// StatusText returns the standard text for the supported status codes and ""
// for any other code.
func StatusText(code int) string {
	return statusTexts[code]
}
