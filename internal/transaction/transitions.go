package transaction

import "fmt"

// statusTransitions is the directed graph of permitted status moves.
// FAILED, CANCELED and REFUNDED are terminal.
var statusTransitions = map[Status][]Status{
	StatusPending:         {StatusInProgress, StatusFailed, StatusCanceled},
	StatusInProgress:      {StatusDelivered, StatusCompleted, StatusFailed, StatusDisputed},
	StatusDelivered:       {StatusCompleted, StatusDisputed},
	StatusCompleted:       {StatusRefundRequested, StatusRefunded},
	StatusDisputed:        {StatusCompleted, StatusFailed, StatusRefunded},
	StatusRefundRequested: {StatusRefunded, StatusCompleted},
	StatusFailed:          {},
	StatusCanceled:        {},
	StatusRefunded:        {},
}

// escrowTransitions is the permitted move graph for escrow status.
// RELEASED and REFUNDED are terminal.
var escrowTransitions = map[EscrowStatus][]EscrowStatus{
	EscrowNotFunded:         {EscrowFunded},
	EscrowFunded:            {EscrowReleased, EscrowRefunded, EscrowPartiallyRefunded, EscrowDisputed},
	EscrowDisputed:          {EscrowReleased, EscrowRefunded, EscrowPartiallyRefunded},
	EscrowPartiallyRefunded: {EscrowRefunded, EscrowReleased},
	EscrowReleased:          {},
	EscrowRefunded:          {},
}

// TransitionError reports an attempted move not permitted by the
// transition tables. It is a validation failure: the transaction row is
// left untouched and the attempt is recorded as a security event.
type TransitionError struct {
	TransactionID string
	FromStatus    Status
	ToStatus      Status
	FromEscrow    EscrowStatus
	ToEscrow      EscrowStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal transition for transaction %s: status %s -> %s, escrow %s -> %s",
		e.TransactionID, e.FromStatus, e.ToStatus, e.FromEscrow, e.ToEscrow)
}

func statusAllowed(from, to Status) bool {
	if from == to {
		return true
	}
	for _, t := range statusTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

func escrowAllowed(from, to EscrowStatus) bool {
	if from == to {
		return true
	}
	for _, t := range escrowTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// validateTransition checks both the status move and the escrow move
// against their tables. Staying in the same state is always permitted;
// everything else must appear in the tables. A nil return means the pair
// may be applied.
func validateTransition(txn *Transaction, toStatus Status, toEscrow EscrowStatus) error {
	if statusAllowed(txn.Status, toStatus) && escrowAllowed(txn.EscrowStatus, toEscrow) {
		return nil
	}
	return &TransitionError{
		TransactionID: txn.ID,
		FromStatus:    txn.Status,
		ToStatus:      toStatus,
		FromEscrow:    txn.EscrowStatus,
		ToEscrow:      toEscrow,
	}
}

// IsTerminal returns true if no further status transitions are possible.
func (s Status) IsTerminal() bool {
	return len(statusTransitions[s]) == 0
}

// IsTerminal returns true if no further escrow transitions are possible.
func (s EscrowStatus) IsTerminal() bool {
	return len(escrowTransitions[s]) == 0
}
