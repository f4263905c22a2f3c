package models

import "time"

// ResolutionState is the triage state of an unrecognized message.
type ResolutionState string

// Resolution states
const (
	StatePending  ResolutionState = "pending"
	StateResolved ResolutionState = "resolved"
	StateIgnored  ResolutionState = "ignored"
)

// Valid reports whether s is a known state.
func (s ResolutionState) Valid() bool {
	switch s {
	case StatePending, StateResolved, StateIgnored:
		return true
	}
	return false
}

// UnrecognizedMessage is a message the engine could not classify.
type UnrecognizedMessage struct {
	ID            string          `json:"id"`
	RawText       string          `json:"rawText"`
	Sender        string          `json:"sender"`
	ReceivedAt    time.Time       `json:"receivedAt"`
	Fingerprint   string          `json:"fingerprint"`
	State         ResolutionState `json:"state"`
	Reason        string          `json:"reason,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	ResolvedAt    *time.Time      `json:"resolvedAt,omitempty"`
	TransactionID string          `json:"transactionId,omitempty"`
}

// Message rebuilds the inbound message the entry was created from.
func (u UnrecognizedMessage) Message() Message {
	return Message{Sender: u.Sender, Body: u.RawText, ReceivedAt: u.ReceivedAt}
}
