package domain

import (
	"fmt"

	coredomain "github.com/aradsms/sms_dispatch/internal/core_sms/domain"
)

// Transition decides whether a message in current may move to target.
//
// submitted may move to any terminal status. Re-applying the terminal status a
// message already has is a no-op and a different terminal status is an
// inconsistency. A queued message may still be mid-submission, so its receipt
// fails with ErrReceiptTooEarly.
func Transition(current, target coredomain.MessageStatus) (apply bool, err error) {
	if !target.IsTerminal() {
		return false, fmt.Errorf("%w: %s is not a terminal status", coredomain.ErrValidation, target)
	}
	switch {
	case current == coredomain.MessageStatusSubmitted:
		return true, nil
	case current == target:
		return false, nil
	case current.IsTerminal():
		return false, &InconsistencyError{Current: current, Target: target}
	case current == coredomain.MessageStatusQueued:
		return false, fmt.Errorf("%w: cannot move queued message to %s", coredomain.ErrReceiptTooEarly, target)
	default:
		return false, fmt.Errorf("%w: cannot move %s message to %s", coredomain.ErrValidation, current, target)
	}
}

// InconsistencyError reports a receipt that contradicts a message's final status.
type InconsistencyError struct {
	Current coredomain.MessageStatus
	Target  coredomain.MessageStatus
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("reconciliation inconsistency: message already %s, receipt says %s", e.Current, e.Target)
}

func (e *InconsistencyError) Unwrap() error { return coredomain.ErrReconciliationInconsistency }
