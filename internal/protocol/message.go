package protocol

import "encoding/json"

// Typed payload shapes for the message kinds the server interprets.
// Clients may send extra fields; unknown fields are ignored on decode.

// AuthenticatePayload carries the client's credentials. Token issuance is
// an external concern; the server only verifies.
type AuthenticatePayload struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
}

// AuthSuccessPayload confirms authentication.
type AuthSuccessPayload struct {
	UserID string `json:"userId"`
}

// AuthFailurePayload explains a rejected authenticate attempt.
type AuthFailurePayload struct {
	Reason string `json:"reason"`
}

// SubscribePayload is shared by subscribe and unsubscribe requests.
type SubscribePayload struct {
	Topic string `json:"topic"`
}

// SubscribeAckPayload acknowledges a subscribe/unsubscribe, echoing the
// topic and the connection's resulting subscription count.
type SubscribeAckPayload struct {
	Topic string `json:"topic"`
	Count int    `json:"count"`
}

// PriceUpdatePayload is the fan-out event body.
type PriceUpdatePayload struct {
	Topic  string  `json:"topic"`
	Price  float64 `json:"price"`
	Change float64 `json:"change"`
	Volume float64 `json:"volume"`
}

// OrderSubmitPayload is forwarded verbatim to the trade-execution
// collaborator; the server validates only that it parses.
type OrderSubmitPayload struct {
	OrderID  string  `json:"orderId"`
	Topic    string  `json:"topic"`
	Side     string  `json:"side"`
	Quantity float64 `json:"quantity"`
	Price    float64 `json:"price"`
}

// OrderAckPayload is a receipt acknowledgment, not an execution
// confirmation. Execution results arrive later as execution_result.
type OrderAckPayload struct {
	OrderID string `json:"orderId"`
	Status  string `json:"status"`
}

// ErrorPayload is sent before any server-initiated close and for
// recoverable authorization errors.
type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// HeartbeatAckPayload carries the server clock so clients can detect skew.
type HeartbeatAckPayload struct {
	ServerTime int64 `json:"serverTime"`
}

// ExecutionResultPayload relays the trade-execution collaborator's outcome
// unchanged to the originating connection.
type ExecutionResultPayload struct {
	OrderID string          `json:"orderId"`
	Result  json.RawMessage `json:"result"`
}

// Error codes used in ErrorPayload.Code.
const (
	ErrCodeAuthRequired  = "AUTH_REQUIRED"
	ErrCodeBadPayload    = "BAD_PAYLOAD"
	ErrCodeProtocol      = "PROTOCOL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMIT_EXCEEDED"
	ErrCodeTimeout       = "HEARTBEAT_TIMEOUT"
	ErrCodeOverloaded    = "SERVER_OVERLOADED"
	ErrCodeOrderRejected = "ORDER_REJECTED"
)
