package models

import "github.com/google/uuid"

// Conflict keys name the shared state an operation touches. Two orders
// conflict iff they share a key; the scheduler partitions batches on
// this relation and the engine reports keys it discovers mid-match.

// ConflictKeyAccount is the conflict key for one account's ledger state.
func ConflictKeyAccount(id uuid.UUID) string {
	return "account:" + id.String()
}

// ConflictKeyMarket is the conflict key for one market's book and stats.
func ConflictKeyMarket(symbol string) string {
	return "market:" + symbol
}

// ConflictKeys returns the keys an order declares up front: its sender
// and its market. Maker accounts uncovered during matching are claimed
// dynamically.
func (o *Order) ConflictKeys() []string {
	return []string{ConflictKeyAccount(o.Sender), ConflictKeyMarket(o.Market)}
}
