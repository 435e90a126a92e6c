package protocol

// CloseCode is the websocket close status sent when the server ends a connection.
type CloseCode int

// Close codes. Values below 4000 are standard websocket codes; values at or
// above 4000 are application specific.
const (
	CloseNormal          CloseCode = 1000
	CloseProtocolError   CloseCode = 1002
	CloseUnsupportedData CloseCode = 1003
	ClosePolicyViolation CloseCode = 1008
	CloseAuthTimeout     CloseCode = 4000
	CloseInvalidPacket   CloseCode = 4001
	CloseQueueOverflow   CloseCode = 4002
	CloseAuthFailed      CloseCode = 4003
	CloseIdleTimeout     CloseCode = 4004
	CloseReplaced        CloseCode = 4005
)

var closeReasons = map[CloseCode]string{
	CloseNormal:          "normal closure",
	CloseProtocolError:   "protocol error",
	CloseUnsupportedData: "unsupported data",
	ClosePolicyViolation: "policy violation",
	CloseAuthTimeout:     "auth timeout",
	CloseInvalidPacket:   "invalid packet",
	CloseQueueOverflow:   "auth queue overflow",
	CloseAuthFailed:      "auth failed",
	CloseIdleTimeout:     "idle timeout",
	CloseReplaced:        "replaced by new connection",
}

// Reason returns the default human readable reason for c.
func (c CloseCode) Reason() string {
	if r, ok := closeReasons[c]; ok {
		return r
	}
	return "closed"
}
