package vault

import "errors"

var (
	// Oracle adapter failures.
	ErrStalePrice    = errors.New("vault: oracle price too old")
	ErrLowConfidence = errors.New("vault: oracle confidence interval too wide")

	// Validation failures. These always abort the whole call with no
	// partial effect.
	ErrZeroDeposit      = errors.New("vault: deposit amount must be positive")
	ErrAssetNotAccepted = errors.New("vault: asset not accepted")
	ErrBelowMinimum     = errors.New("vault: deposit below minimum size")
	ErrNotWhitelisted   = errors.New("vault: contributor not whitelisted")
	ErrCapExceeded      = errors.New("vault: contribution cap exceeded")
	ErrTierMismatch     = errors.New("vault: contributor bound to a different tier")

	// State-precondition failures.
	ErrGoalAlreadyReached   = errors.New("vault: funding goal already reached")
	ErrGoalNotReached       = errors.New("vault: funding goal not reached")
	ErrDeadlinePassed       = errors.New("vault: contribution deadline passed")
	ErrDeadlineNotPassed    = errors.New("vault: contribution deadline not passed")
	ErrAlreadyFinalized     = errors.New("vault: round already finalized")
	ErrAlreadyRefunded      = errors.New("vault: contributor already refunded")
	ErrNothingToRefund      = errors.New("vault: nothing to refund")
	ErrNoValidContributions = errors.New("vault: no valid contributions to finalize")

	// Authorization failures share one sentinel regardless of which
	// privileged action was attempted.
	ErrUnauthorized = errors.New("vault: caller not authorized")

	// ErrReentrantCall is returned when a mutating entry point is invoked
	// while another is still executing on the same engine instance.
	ErrReentrantCall = errors.New("vault: reentrant call rejected")

	errUnknownContributor = errors.New("vault: unknown contributor")
	errUnknownReceipt     = errors.New("vault: unknown OTC receipt")
	errNilBank            = errors.New("vault: bank not configured")
	errNilOracle          = errors.New("vault: oracle not configured")
)
