// Package model defines the canonical domain types shared by the store,
// state machine, points engine and indexer: staking positions, the
// append-only event log, and the position lifecycle enum.
package model

import "math/big"

// PositionStatus is the lifecycle state of a staking position.
type PositionStatus string

const (
	StatusActive    PositionStatus = "active"
	StatusUnstaking PositionStatus = "unstaking"
	StatusWithdrawn PositionStatus = "withdrawn"
)

// EventType identifies one of the four SageStaking contract events.
type EventType string

const (
	EventDeposit          EventType = "Deposit"
	EventInitiateWithdraw EventType = "InitiateWithdraw"
	EventWithdraw         EventType = "Withdraw"
	EventRestake          EventType = "RestakeFromWithdrawalInitiated"
)

// PositionKey identifies a position uniquely: one user may hold many
// positions, one per nonce assigned by the contract at deposit time.
type PositionKey struct {
	UserAddress string
	Nonce       uint64
}

// Position is the canonical unit of the system: a single stake. Amount is
// immutable after creation (I1); DepositTimestamp only changes via a
// Restake transition.
type Position struct {
	UserAddress                  string // lowercase 0x-prefixed hex, 42 chars
	Nonce                        uint64
	Amount                       *big.Int // wei, 18 implicit decimals
	DepositTimestamp             uint64
	Status                       PositionStatus
	WithdrawalInitiatedTimestamp *uint64 // set iff Unstaking or Withdrawn (I2-I4)
	BlockNumber                  uint64  // block of the event that created the position
}

// Key returns the composite identity of the position.
func (p Position) Key() PositionKey {
	return PositionKey{UserAddress: p.UserAddress, Nonce: p.Nonce}
}

// Event is an append-only audit record of one decoded on-chain log.
// Nonce and Amount are optional because InitiateWithdraw carries no amount.
type Event struct {
	ID              uint64
	EventType       EventType
	UserAddress     string
	Nonce           *uint64
	Amount          *big.Int
	BlockNumber     uint64
	TransactionHash string
	Timestamp       uint64
	LogIndex        uint
}
