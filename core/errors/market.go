package errors

import stderrors "errors"

// Market errors, raised by C4 market operations against reserve and cap
// constraints.
var (
	ErrReservesExhausted    = stderrors.New("lendcore: reserves exhausted")
	ErrSupplyCap            = stderrors.New("lendcore: supply cap reached")
	ErrBorrowCap            = stderrors.New("lendcore: borrow cap reached")
	ErrDebtCeilingReached   = stderrors.New("lendcore: isolation debt ceiling reached")
	ErrAssetMismatch        = stderrors.New("lendcore: asset mismatch")
	ErrFlashLoanNotEnabled  = stderrors.New("lendcore: flash loans not enabled for asset")
	ErrFlashLoanUnderpaid   = stderrors.New("lendcore: flash loan repayment below required amount")
	ErrNotLiquidatable      = stderrors.New("lendcore: position not eligible for seizure")
)
