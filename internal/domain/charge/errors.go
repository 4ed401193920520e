package charge

import "errors"

// Error is a domain error with a stable code surfaced to API callers.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

func newError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

var (
	ErrChargeNotFound            = newError("ChargeNotFound", "charge not found")
	ErrInsuranceNotVerified      = newError("InsuranceNotVerified", "insurance has not been verified")
	ErrMissingCodes              = newError("MissingCodes", "diagnosis and procedure codes are required")
	ErrClaimAlreadySubmitted     = newError("ClaimAlreadySubmitted", "charge already has a submitted claim")
	ErrAlreadyPaid               = newError("AlreadyPaid", "charge is already paid")
	ErrNotResubmittable          = newError("NotResubmittable", "claim is not in a resubmittable state")
	ErrResubmissionLimitExceeded = newError("ResubmissionLimitExceeded", "resubmission limit exceeded")
	ErrNotDenied                 = newError("NotDenied", "appeals are only accepted for denied charges")
	ErrLevelExceeded             = newError("LevelExceeded", "appeal level exceeds maximum")
	ErrInvalidAppealLevel        = newError("InvalidAppealLevel", "appeal level must be at least 1")
	ErrAppealAlreadyPending      = newError("AppealAlreadyPending", "an appeal is already pending for this denial")
	ErrAppealAlreadyResolved     = newError("AppealAlreadyResolved", "the appeal for this denial has already been decided")
	ErrInvalidCharge             = newError("InvalidCharge", "invalid charge")
	ErrDuplicateCharge           = newError("DuplicateCharge", "charge already exists")
)

// ErrStaleTransition is returned by a transition whose expected precondition
// no longer holds. Scheduled jobs treat it as a no-op.
var ErrStaleTransition = errors.New("stale transition")

// ErrInvariant marks a record that violates a lifecycle invariant.
var ErrInvariant = errors.New("charge invariant violated")

// Code returns the stable code of a domain error, or "" for other errors.
func Code(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}
