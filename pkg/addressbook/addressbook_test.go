package addressbook

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/dexmatcher/matcherd/pkg/matcherr"
	"github.com/dexmatcher/matcherd/pkg/order"
)

type stubChain struct {
	balances map[string]int64
}

func (s *stubChain) SpendableBalance(common.Address, asset string) (int64, error) {
	return s.balances[asset], nil
}

var owner = common.HexToAddress("0x1111111111111111111111111111111111111111")

func buyOrder(id string, amount, price, fee int64) *order.Order {
	return &order.Order{
		ID: id, Owner: owner, Pair: order.Pair{AmountAsset: "A", PriceAsset: "W"},
		Side: order.Buy, Amount: amount, Price: price, MatcherFee: fee, FeeAsset: "W",
	}
}

func sellOrder(id string, amount, price, fee int64) *order.Order {
	return &order.Order{
		ID: id, Owner: owner, Pair: order.Pair{AmountAsset: "A", PriceAsset: "W"},
		Side: order.Sell, Amount: amount, Price: price, MatcherFee: fee, FeeAsset: "W",
	}
}

func TestPlaceCheckReservesFunds(t *testing.T) {
	chain := &stubChain{balances: map[string]int64{"W": 1000}}
	a := NewAddressActor(owner, chain, nil)
	defer a.Stop()

	o := buyOrder("o1", 100, 2*order.PriceConstant, 50)
	require.NoError(t, a.PlaceCheck(o))

	// principal = 100 * 2 / 1 = 200 in PriceAsset W, fee 50, both in W.
	require.Equal(t, int64(250), a.QueryBalance("W"))
	require.True(t, a.Invariant())
}

func TestPlaceCheckRejectsInsufficientBalance(t *testing.T) {
	chain := &stubChain{balances: map[string]int64{"W": 10}}
	a := NewAddressActor(owner, chain, nil)
	defer a.Stop()

	o := buyOrder("o1", 100, 2*order.PriceConstant, 50)
	err := a.PlaceCheck(o)
	require.Error(t, err)
	require.ErrorIs(t, err, matcherr.ErrInsufficientBalance)
	require.Equal(t, int64(0), a.QueryBalance("W"))
}

func TestPlaceCheckAccountsForPriorReservations(t *testing.T) {
	chain := &stubChain{balances: map[string]int64{"A": 150}}
	a := NewAddressActor(owner, chain, nil)
	defer a.Stop()

	require.NoError(t, a.PlaceCheck(sellOrder("o1", 100, order.PriceConstant, 0)))
	err := a.PlaceCheck(sellOrder("o2", 100, order.PriceConstant, 0))
	require.Error(t, err)
	require.ErrorIs(t, err, matcherr.ErrInsufficientBalance)
}

func TestApplyFillPartiallyReleasesReservation(t *testing.T) {
	chain := &stubChain{balances: map[string]int64{"A": 100, "W": 300000}}
	a := NewAddressActor(owner, chain, nil)
	defer a.Stop()

	require.NoError(t, a.PlaceCheck(sellOrder("o1", 100, order.PriceConstant, 300000)))
	a.ApplyFill("o1", 60, 180000)

	require.Equal(t, int64(40), a.QueryBalance("A"))
	require.Equal(t, int64(120000), a.QueryBalance("W"))
	require.True(t, a.Invariant())
	require.Contains(t, a.QueryHistory(), "o1")
}

func TestApplyFillFullyReleasesReservation(t *testing.T) {
	chain := &stubChain{balances: map[string]int64{"A": 100, "W": 300000}}
	a := NewAddressActor(owner, chain, nil)
	defer a.Stop()

	require.NoError(t, a.PlaceCheck(sellOrder("o1", 100, order.PriceConstant, 300000)))
	a.ApplyFill("o1", 100, 300000)

	require.Equal(t, int64(0), a.QueryBalance("A"))
	require.Equal(t, int64(0), a.QueryBalance("W"))
	require.Empty(t, a.QueryHistory())
	require.True(t, a.Invariant())
}

func TestApplyCancelReleasesRemainder(t *testing.T) {
	chain := &stubChain{balances: map[string]int64{"A": 100}}
	a := NewAddressActor(owner, chain, nil)
	defer a.Stop()

	require.NoError(t, a.PlaceCheck(sellOrder("o1", 100, order.PriceConstant, 0)))
	a.ApplyFill("o1", 40, 0)
	a.ApplyCancel("o1")

	require.Equal(t, int64(0), a.QueryBalance("A"))
	require.Empty(t, a.QueryHistory())
	require.True(t, a.Invariant())
}

func TestApplyFillUnknownOrderIsNoop(t *testing.T) {
	chain := &stubChain{balances: map[string]int64{"A": 100}}
	a := NewAddressActor(owner, chain, nil)
	defer a.Stop()

	a.ApplyFill("missing", 10, 0)
	require.True(t, a.Invariant())
}
