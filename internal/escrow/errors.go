package escrow

import (
	"errors"
	"fmt"

	"github.com/trustline/escrow/internal/models"
)

// PermissionError means the caller is not the required actor for the action.
// It is returned before any precondition is examined, so a caller can tell
// "not your move" apart from "wrong moment"; the former is never worth
// retrying.
type PermissionError struct {
	Action   models.Action
	ActorUID string
	// Required names the actor the action expects, e.g. "seller",
	// "invited party", "arbitrator", "participant".
	Required string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("%s: only the %s may perform this action", e.Action, e.Required)
}

// InvalidStateError means the transaction's current status does not satisfy
// the action's precondition (or a deletion was attempted outside the
// deletable set).
type InvalidStateError struct {
	Action  models.Action
	TxID    string
	Status  models.TxStatus
	Allowed []models.TxStatus
}

func (e *InvalidStateError) Error() string {
	if len(e.Allowed) == 1 {
		return fmt.Sprintf("%s: transaction is %s, must be %s", e.Action, e.Status, e.Allowed[0])
	}
	return fmt.Sprintf("%s: not permitted while transaction is %s", e.Action, e.Status)
}

// ConflictError means the conditional update lost a race with a concurrent
// writer. The caller must re-fetch the transaction and may retry.
type ConflictError struct {
	Action models.Action
	TxID   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: transaction %s was modified concurrently, refresh and retry", e.Action, e.TxID)
}

// NotFoundError means the referenced transaction, user or invite email does
// not exist.
type NotFoundError struct {
	Kind string // "transaction", "user", "invite email"
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Key)
}

// ValidationError means the request itself is malformed: non-positive
// amount, unsupported currency, self-invite.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsPermission reports whether err is a PermissionError.
func IsPermission(err error) bool {
	var pe *PermissionError
	return errors.As(err, &pe)
}

// IsInvalidState reports whether err is an InvalidStateError.
func IsInvalidState(err error) bool {
	var se *InvalidStateError
	return errors.As(err, &se)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var ne *NotFoundError
	return errors.As(err, &ne)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
