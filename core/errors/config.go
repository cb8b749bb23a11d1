package errors

import stderrors "errors"

// Configuration errors, raised when a MarketParams, AssetConfig, or
// OracleConfig fails validation at load/update time.
var (
	ErrUnsupportedAsset = stderrors.New("lendcore: unsupported asset")
	ErrNoPool           = stderrors.New("lendcore: no pool for asset")
	// ErrInvalidParam is the umbrella for LTV >= threshold, optimal <= mid,
	// reserve_factor >= 1, tolerance out of range, liquidation bonus > MAX,
	// and similar bound violations caught at config time.
	ErrInvalidParam = stderrors.New("lendcore: invalid parameter")
)
