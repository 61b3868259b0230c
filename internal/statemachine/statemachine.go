// Package statemachine implements the pure position lifecycle transition
// function: given the current state of a position (or its absence) and an
// incoming on-chain event, it produces the next position state or a
// Rejected error. It is a pure function of (position, event) — it never
// reads the wall clock and never performs I/O.
package statemachine

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/sage-finance/sagepoints/internal/model"
)

// RejectedReason names why a transition was refused. The event is still
// appended to the audit log by the caller; rejection never halts ingestion.
type RejectedReason string

const (
	ReasonOrphan             RejectedReason = "orphan: no position for event"
	ReasonDuplicateKey       RejectedReason = "duplicate deposit for existing (user, nonce)"
	ReasonSkippedUnstaking   RejectedReason = "withdraw without a prior initiate-withdraw"
	ReasonNotUnstaking       RejectedReason = "restake on a position that is not unstaking"
	ReasonAlreadyUnstaking   RejectedReason = "initiate-withdraw on a position already unstaking"
	ReasonTerminal           RejectedReason = "event applied to a withdrawn (terminal) position"
	ReasonUnstakingOnAbsent  RejectedReason = "initiate-withdraw on a position that does not exist"
	ReasonWithdrawOnAbsent   RejectedReason = "withdraw on a position that does not exist"
	ReasonRestakeOnAbsent    RejectedReason = "restake on a position that does not exist"
)

// Rejected is returned when a transition is invalid for the current state.
// The rationale (spec.md §4.2): the contract is the source of truth, and a
// malformed sequence implies either a contract bug or a missed event,
// neither recoverable by halting — so rejection is reported, not fatal.
type Rejected struct {
	Reason RejectedReason
	Key    model.PositionKey
	Event  model.EventType
}

func (r *Rejected) Error() string {
	return fmt.Sprintf("rejected %s for %s/%d: %s", r.Event, r.Key.UserAddress, r.Key.Nonce, r.Reason)
}

// IsRejected reports whether err is a state-machine rejection (as opposed
// to a programming error such as a malformed event).
func IsRejected(err error) bool {
	var r *Rejected
	return errors.As(err, &r)
}

// Apply computes the next position state for evt given the current state
// (nil if no position exists yet for evt's key). On success it returns the
// new position and a nil error. On rejection it returns the zero Position
// and a *Rejected describing why; callers must still append evt to the
// event log and continue processing.
func Apply(current *model.Position, evt model.Event) (model.Position, error) {
	key := eventKey(evt)

	if current == nil {
		return applyToAbsent(key, evt)
	}

	switch current.Status {
	case model.StatusActive:
		return applyToActive(*current, evt)
	case model.StatusUnstaking:
		return applyToUnstaking(*current, evt)
	case model.StatusWithdrawn:
		return model.Position{}, &Rejected{Reason: ReasonTerminal, Key: key, Event: evt.EventType}
	default:
		return model.Position{}, &Rejected{Reason: RejectedReason(fmt.Sprintf("unknown status %q", current.Status)), Key: key, Event: evt.EventType}
	}
}

func applyToAbsent(key model.PositionKey, evt model.Event) (model.Position, error) {
	switch evt.EventType {
	case model.EventDeposit:
		if evt.Amount == nil || evt.Nonce == nil {
			return model.Position{}, &Rejected{Reason: "deposit missing amount or nonce", Key: key, Event: evt.EventType}
		}
		return model.Position{
			UserAddress:      evt.UserAddress,
			Nonce:            *evt.Nonce,
			Amount:           new(big.Int).Set(evt.Amount),
			DepositTimestamp: evt.Timestamp,
			Status:           model.StatusActive,
			BlockNumber:      evt.BlockNumber,
		}, nil
	case model.EventInitiateWithdraw:
		return model.Position{}, &Rejected{Reason: ReasonUnstakingOnAbsent, Key: key, Event: evt.EventType}
	case model.EventWithdraw:
		return model.Position{}, &Rejected{Reason: ReasonWithdrawOnAbsent, Key: key, Event: evt.EventType}
	case model.EventRestake:
		return model.Position{}, &Rejected{Reason: ReasonRestakeOnAbsent, Key: key, Event: evt.EventType}
	default:
		return model.Position{}, &Rejected{Reason: ReasonOrphan, Key: key, Event: evt.EventType}
	}
}

func applyToActive(pos model.Position, evt model.Event) (model.Position, error) {
	key := pos.Key()
	switch evt.EventType {
	case model.EventDeposit:
		return model.Position{}, &Rejected{Reason: ReasonDuplicateKey, Key: key, Event: evt.EventType}
	case model.EventInitiateWithdraw:
		ts := evt.Timestamp
		pos.Status = model.StatusUnstaking
		pos.WithdrawalInitiatedTimestamp = &ts
		return pos, nil
	case model.EventWithdraw:
		return model.Position{}, &Rejected{Reason: ReasonSkippedUnstaking, Key: key, Event: evt.EventType}
	case model.EventRestake:
		return model.Position{}, &Rejected{Reason: ReasonNotUnstaking, Key: key, Event: evt.EventType}
	default:
		return model.Position{}, &Rejected{Reason: ReasonOrphan, Key: key, Event: evt.EventType}
	}
}

func applyToUnstaking(pos model.Position, evt model.Event) (model.Position, error) {
	key := pos.Key()
	switch evt.EventType {
	case model.EventDeposit:
		return model.Position{}, &Rejected{Reason: ReasonDuplicateKey, Key: key, Event: evt.EventType}
	case model.EventInitiateWithdraw:
		return model.Position{}, &Rejected{Reason: ReasonAlreadyUnstaking, Key: key, Event: evt.EventType}
	case model.EventWithdraw:
		pos.Status = model.StatusWithdrawn
		// withdrawal_initiated_timestamp is left untouched (I4): Withdrawn
		// carries the timestamp recorded when unstaking was initiated.
		return pos, nil
	case model.EventRestake:
		// Open Question 1 (spec.md §9): restarting the clock discards all
		// points accrued since deposit_timestamp. Implemented verbatim per
		// the source's behavior; flagged here for product review.
		ts := evt.Timestamp
		pos.Status = model.StatusActive
		pos.DepositTimestamp = ts
		pos.WithdrawalInitiatedTimestamp = nil
		return pos, nil
	default:
		return model.Position{}, &Rejected{Reason: ReasonOrphan, Key: key, Event: evt.EventType}
	}
}

func eventKey(evt model.Event) model.PositionKey {
	var nonce uint64
	if evt.Nonce != nil {
		nonce = *evt.Nonce
	}
	return model.PositionKey{UserAddress: evt.UserAddress, Nonce: nonce}
}
