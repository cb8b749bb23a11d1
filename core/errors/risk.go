package errors

import stderrors "errors"

// Risk errors, raised by health-factor checks on the borrow/withdraw and
// liquidation paths respectively.
var (
	ErrHealthFactorTooLow  = stderrors.New("lendcore: health factor too low")
	ErrHealthFactorTooHigh = stderrors.New("lendcore: health factor too high for liquidation")
)
