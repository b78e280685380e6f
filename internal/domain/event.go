package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DomainEvent describes a committed ledger mutation. It is immutable once
// written to the outbox and is published at most once per applied command,
// keyed by EventID for downstream deduplication.
type DomainEvent struct {
	EventID          string          `json:"eventId"`
	MessageID        string          `json:"messageId"`
	Type             CommandType     `json:"type"`
	AccountID        string          `json:"accountId"`
	Amount           decimal.Decimal `json:"amount"`
	ResultingBalance decimal.Decimal `json:"resultingBalance"`
	Version          int64           `json:"version"`
	Timestamp        time.Time       `json:"timestamp"`

	// Set for transfers: the credited side of the movement
	CounterpartyAccountID string           `json:"counterpartyAccountId,omitempty"`
	CounterpartyBalance   *decimal.Decimal `json:"counterpartyBalance,omitempty"`
	CounterpartyVersion   int64            `json:"counterpartyVersion,omitempty"`
}

// EventEnvelope wraps an event with metadata for serialization
type EventEnvelope struct {
	Type      CommandType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Subject returns the broker subject for the event under prefix, e.g. bank.evt.deposit
func (e DomainEvent) Subject(prefix string) string {
	return prefix + "." + string(e.Type)
}

// SerializeEvent converts an event to JSON bytes with envelope
func SerializeEvent(event DomainEvent) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}

	envelope := EventEnvelope{
		Type:      event.Type,
		Timestamp: event.Timestamp.UTC(),
		Data:      data,
	}

	return json.Marshal(envelope)
}

// DeserializeEvent converts JSON bytes back to a DomainEvent
func DeserializeEvent(data []byte) (DomainEvent, error) {
	var envelope EventEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return DomainEvent{}, err
	}
	if !envelope.Type.Valid() {
		return DomainEvent{}, fmt.Errorf("unknown event type: %s", envelope.Type)
	}

	var event DomainEvent
	if err := json.Unmarshal(envelope.Data, &event); err != nil {
		return DomainEvent{}, err
	}
	if event.EventID == "" {
		return DomainEvent{}, fmt.Errorf("event without id")
	}
	return event, nil
}
