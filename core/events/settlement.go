package events

import (
	"math/big"
	"strconv"
	"strings"

	"senja/core/types"
	"senja/crypto"
)

const (
	// TypeSettlementIntentCreated is emitted when a cross-chain intent is
	// recorded as pending.
	TypeSettlementIntentCreated = "settlement.intent_created"
	// TypeSettlementIntentResolved is emitted when a pending intent reaches a
	// terminal status.
	TypeSettlementIntentResolved = "settlement.intent_resolved"
	// TypeSettlementReceived is emitted once per accepted inbound message.
	TypeSettlementReceived = "settlement.received"
)

// SettlementIntent describes an intent lifecycle transition.
type SettlementIntent struct {
	Kind             string
	ID               string
	Pool             string
	Borrower         crypto.Address
	DestinationChain string
	Recipient        string
	Token            string
	Amount           *big.Int
	Nonce            uint64
	Status           string
	Reason           string
}

func (e SettlementIntent) EventType() string { return e.Kind }

func (e SettlementIntent) Event() *types.Event {
	attrs := map[string]string{
		"id":          strings.TrimSpace(e.ID),
		"pool":        strings.TrimSpace(e.Pool),
		"borrower":    addressString(e.Borrower),
		"destination": strings.TrimSpace(e.DestinationChain),
		"recipient":   strings.TrimSpace(e.Recipient),
		"token":       normalizeAsset(e.Token),
		"amount":      amountString(e.Amount),
		"nonce":       strconv.FormatUint(e.Nonce, 10),
		"status":      e.Status,
	}
	if reason := strings.TrimSpace(e.Reason); reason != "" {
		attrs["reason"] = reason
	}
	return &types.Event{Type: e.Kind, Attributes: attrs}
}

// SettlementReceived records an accepted inbound message.
type SettlementReceived struct {
	SourceChain string
	Nonce       uint64
	Recipient   crypto.Address
	Token       string
	Amount      *big.Int
	Action      string
	Pool        string
	Relayer     crypto.Address
}

func (SettlementReceived) EventType() string { return TypeSettlementReceived }

func (e SettlementReceived) Event() *types.Event {
	attrs := map[string]string{
		"source":    strings.TrimSpace(e.SourceChain),
		"nonce":     strconv.FormatUint(e.Nonce, 10),
		"recipient": addressString(e.Recipient),
		"token":     normalizeAsset(e.Token),
		"amount":    amountString(e.Amount),
		"action":    e.Action,
		"relayer":   addressString(e.Relayer),
	}
	if pool := strings.TrimSpace(e.Pool); pool != "" {
		attrs["pool"] = pool
	}
	return &types.Event{Type: TypeSettlementReceived, Attributes: attrs}
}
