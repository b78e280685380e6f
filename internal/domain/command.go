package domain

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// CommandType identifies the ledger operation a command asks for
type CommandType string

const (
	CommandDeposit  CommandType = "deposit"
	CommandWithdraw CommandType = "withdraw"
	CommandTransfer CommandType = "transfer"
)

// Valid reports whether t is one of the supported command types
func (t CommandType) Valid() bool {
	switch t {
	case CommandDeposit, CommandWithdraw, CommandTransfer:
		return true
	}
	return false
}

// Command is an instruction to mutate bank state, as received from the broker.
// ReplyTo and CorrelationID normally travel as message headers and are copied
// onto the command by the ingestor.
type Command struct {
	MessageID     string      `json:"messageId"`
	Type          CommandType `json:"type"`
	ActorDNI      string      `json:"actorDni"`
	Payload       Payload     `json:"payload"`
	ReplyTo       string      `json:"replyTo,omitempty"`
	CorrelationID string      `json:"correlationId,omitempty"`
}

// Payload carries the type-specific fields of a command.
// deposit and withdraw use AccountID; transfer uses FromAccountID and ToAccountID.
type Payload struct {
	AccountID     string          `json:"accountId,omitempty"`
	FromAccountID string          `json:"fromAccountId,omitempty"`
	ToAccountID   string          `json:"toAccountId,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
}

// PrimaryAccount returns the account whose balance the command debits or credits first
func (c Command) PrimaryAccount() string {
	if c.Type == CommandTransfer {
		return c.Payload.FromAccountID
	}
	return c.Payload.AccountID
}

// DecodeCommand parses a command body. Any structural problem is reported as
// ErrDecode; business checks such as amount sign are left to the ledger.
// Fields it does not know are ignored so clients can add metadata.
func DecodeCommand(data []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	cmd.MessageID = strings.TrimSpace(cmd.MessageID)
	cmd.ActorDNI = strings.TrimSpace(cmd.ActorDNI)

	if cmd.MessageID == "" {
		return Command{}, fmt.Errorf("%w: messageId is required", ErrDecode)
	}
	if !cmd.Type.Valid() {
		return Command{}, fmt.Errorf("%w: unknown command type %q", ErrDecode, cmd.Type)
	}

	switch cmd.Type {
	case CommandDeposit, CommandWithdraw:
		if strings.TrimSpace(cmd.Payload.AccountID) == "" {
			return Command{}, fmt.Errorf("%w: payload.accountId is required", ErrDecode)
		}
	case CommandTransfer:
		if strings.TrimSpace(cmd.Payload.FromAccountID) == "" || strings.TrimSpace(cmd.Payload.ToAccountID) == "" {
			return Command{}, fmt.Errorf("%w: payload.fromAccountId and payload.toAccountId are required", ErrDecode)
		}
	}

	return cmd, nil
}
