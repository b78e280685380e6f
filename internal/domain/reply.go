package domain

import "github.com/shopspring/decimal"

// ReplyStatus is the client-facing outcome of a command
type ReplyStatus string

const (
	ReplyOK       ReplyStatus = "ok"
	ReplyRejected ReplyStatus = "rejected"
	ReplyDenied   ReplyStatus = "denied"
	ReplyFailed   ReplyStatus = "failed"
)

// Reply is sent once per command attempt to the command's reply destination
type Reply struct {
	CorrelationID string           `json:"correlationId"`
	MessageID     string           `json:"messageId"`
	Status        ReplyStatus      `json:"status"`
	Reason        string           `json:"reason,omitempty"`
	Balance       *decimal.Decimal `json:"balance,omitempty"`
	Version       int64            `json:"version,omitempty"`
	Replayed      bool             `json:"replayed"`
}

// ValidationRequest asks the identity registry whether an actor may issue a command
type ValidationRequest struct {
	CorrelationID string      `json:"correlationId"`
	ActorDNI      string      `json:"actorDni"`
	CommandType   CommandType `json:"commandType,omitempty"`
}

// ValidationResponse is the identity registry's answer, matched by CorrelationID
type ValidationResponse struct {
	CorrelationID string `json:"correlationId"`
	Authorized    bool   `json:"authorized"`
	Reason        string `json:"reason,omitempty"`
}
