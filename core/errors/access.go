package errors

import stderrors "errors"

// Access errors, raised when a caller attempts an operation it does not
// hold privilege for.
var (
	ErrNotOwner      = stderrors.New("lendcore: caller is not the position owner")
	ErrNotController = stderrors.New("lendcore: caller is not the controller")
	// ErrCallerRateLimited is returned when the controller's action limiter
	// (SPEC_FULL.md §3) has no token left for the requested key;
	// Controller.FlashLoan keys it by action and asset.
	ErrCallerRateLimited = stderrors.New("lendcore: caller rate limited")
)
