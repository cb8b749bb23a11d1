package position

import (
	"fmt"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	lendcoreerrors "lendcore/core/errors"
	"lendcore/core/types"
)

func TestPutThenGetRoundTrips(t *testing.T) {
	s := NewStore()
	p := Position{Kind: types.Deposit, Asset: "USDC", ScaledAmount: big.NewInt(100)}
	require.NoError(t, s.Put(1, p))

	got, ok := s.Get(1, types.Deposit, "USDC")
	require.True(t, ok)
	require.Equal(t, big.NewInt(100), got.ScaledAmount)
}

func TestAtMostOneDepositAndBorrowPerAsset(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Put(1, Position{Kind: types.Deposit, Asset: "USDC", ScaledAmount: big.NewInt(1)}))
	require.NoError(t, s.Put(1, Position{Kind: types.Deposit, Asset: "USDC", ScaledAmount: big.NewInt(2)}))
	require.Equal(t, 1, s.CountByKind(1, types.Deposit))

	got, ok := s.Get(1, types.Deposit, "USDC")
	require.True(t, ok)
	require.Equal(t, big.NewInt(2), got.ScaledAmount)
}

func TestPerKindCapEnforced(t *testing.T) {
	s := NewStore()
	for i := 0; i < MaxPerKind; i++ {
		asset := types.AssetID(fmt.Sprintf("ASSET%d", i))
		require.NoError(t, s.Put(1, Position{Kind: types.Borrow, Asset: asset, ScaledAmount: big.NewInt(1)}))
	}
	err := s.Put(1, Position{Kind: types.Borrow, Asset: "OVERFLOW", ScaledAmount: big.NewInt(1)})
	require.ErrorIs(t, err, lendcoreerrors.ErrPositionLimit)
}

func TestRemoveDeletesPosition(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Put(1, Position{Kind: types.Deposit, Asset: "USDC", ScaledAmount: big.NewInt(1)}))
	s.Remove(1, types.Deposit, "USDC")
	_, ok := s.Get(1, types.Deposit, "USDC")
	require.False(t, ok)
}

func TestIterByKindOrdersByAsset(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Put(1, Position{Kind: types.Deposit, Asset: "ZNHB", ScaledAmount: big.NewInt(1)}))
	require.NoError(t, s.Put(1, Position{Kind: types.Deposit, Asset: "USDC", ScaledAmount: big.NewInt(1)}))

	got := s.IterByKind(1, types.Deposit)
	require.Len(t, got, 2)
	require.Equal(t, types.AssetID("USDC"), got[0].Asset)
	require.Equal(t, types.AssetID("ZNHB"), got[1].Asset)
}

func TestHasAnyBorrow(t *testing.T) {
	s := NewStore()
	require.False(t, s.HasAnyBorrow(1))
	require.NoError(t, s.Put(1, Position{Kind: types.Borrow, Asset: "USDC", ScaledAmount: big.NewInt(1)}))
	require.True(t, s.HasAnyBorrow(1))
}

func TestDepositAndBorrowOnSameAssetAreIndependent(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Put(1, Position{Kind: types.Deposit, Asset: "USDC", ScaledAmount: big.NewInt(5)}))
	require.NoError(t, s.Put(1, Position{Kind: types.Borrow, Asset: "USDC", ScaledAmount: big.NewInt(3)}))
	require.NoError(t, s.Validate())

	dep, ok := s.Get(1, types.Deposit, "USDC")
	require.True(t, ok)
	bor, ok := s.Get(1, types.Borrow, "USDC")
	require.True(t, ok)
	require.Equal(t, big.NewInt(5), dep.ScaledAmount)
	require.Equal(t, big.NewInt(3), bor.ScaledAmount)
}
