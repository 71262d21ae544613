// Package addressbook implements AddressActor: the single-writer owner of
// one address's order reservations. Each actor serializes placement and
// fill notifications for its address through a private mailbox goroutine,
// guaranteeing the reservation invariant without shared locks across
// addresses.
package addressbook

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/dexmatcher/matcherd/pkg/matcherr"
	"github.com/dexmatcher/matcherd/pkg/order"
	"github.com/dexmatcher/matcherd/pkg/storage"
)

// BalanceSource is the narrow slice of BlockchainContext an AddressActor
// needs: the spendable balance check performed at placement time.
type BalanceSource interface {
	SpendableBalance(owner common.Address, asset string) (int64, error)
}

// reservation tracks the funds set aside for one in-flight order.
type reservation struct {
	Pair       order.Pair
	Side       order.Side
	Asset      string
	Amount     int64
	FeeAsset   string
	Fee        int64
	OrderAmnt  int64 // original order amount, for fee proration bookkeeping
	OrderPrice int64
}

// persistedState is the durable projection written after every mutation.
type persistedState struct {
	Owner    common.Address
	Reserved map[string]int64
	Active   map[string]reservation
}

const keyPrefix = "addr:"

func stateKey(owner common.Address) []byte {
	return []byte(keyPrefix + owner.Hex())
}

type mailEntry func()

// AddressActor owns reservedBalances and activeOrders for exactly one
// address. All exported methods are safe to call from any goroutine; they
// enqueue work onto the actor's mailbox and block for the result, so call
// sites observe synchronous semantics while the actor itself never shares
// mutable state with other addresses.
type AddressActor struct {
	owner common.Address
	chain BalanceSource
	db    *storage.Store

	mailbox chan mailEntry

	reserved map[string]int64
	active   map[string]*reservation
}

func NewAddressActor(owner common.Address, chain BalanceSource, db *storage.Store) *AddressActor {
	a := &AddressActor{
		owner:    owner,
		chain:    chain,
		db:       db,
		mailbox:  make(chan mailEntry, 64),
		reserved: make(map[string]int64),
		active:   make(map[string]*reservation),
	}
	a.load()
	go a.run()
	return a
}

func (a *AddressActor) run() {
	for entry := range a.mailbox {
		entry()
	}
}

// Stop drains and closes the mailbox; no further calls may be made after
// Stop returns.
func (a *AddressActor) Stop() { close(a.mailbox) }

func (a *AddressActor) call(fn func()) {
	done := make(chan struct{})
	a.mailbox <- func() { fn(); close(done) }
	<-done
}

func (a *AddressActor) load() {
	if a.db == nil {
		return
	}
	val, ok, err := a.db.Get(stateKey(a.owner))
	if err != nil || !ok {
		return
	}
	var st persistedState
	if err := storage.DecodeGob(val, &st); err != nil {
		return
	}
	a.reserved = st.Reserved
	a.active = make(map[string]*reservation, len(st.Active))
	for id, r := range st.Active {
		r := r
		a.active[id] = &r
	}
}

func (a *AddressActor) persist() {
	if a.db == nil {
		return
	}
	st := persistedState{Owner: a.owner, Reserved: a.reserved, Active: make(map[string]reservation, len(a.active))}
	for id, r := range a.active {
		st.Active[id] = *r
	}
	val, err := storage.EncodeGob(st)
	if err != nil {
		return
	}
	_ = a.db.Set(stateKey(a.owner), val, true)
}

// requiredReservation splits an order's funding requirement into the
// principal (amount-denominated) leg and the fee leg, which may share an
// asset or differ.
func requiredReservation(o *order.Order) (principalAsset string, principalAmount int64, feeAsset string, fee int64) {
	asset, amount := o.ReservationRequirement()
	return asset, amount, o.FeeAsset, o.MatcherFee
}

// PlaceCheck reserves funds for o, rejecting with ErrInsufficientBalance
// if spendable balance minus current reservations cannot cover it.
func (a *AddressActor) PlaceCheck(o *order.Order) error {
	var result error
	a.call(func() {
		principalAsset, principalAmount, feeAsset, fee := requiredReservation(o)

		need := map[string]int64{principalAsset: principalAmount}
		need[feeAsset] += fee

		for asset, amount := range need {
			spendable, err := a.chain.SpendableBalance(a.owner, asset)
			if err != nil {
				result = matcherr.Wrap("addressbook.PlaceCheck", matcherr.ErrInvalid, err.Error())
				return
			}
			if spendable-a.reserved[asset] < amount {
				result = matcherr.Wrap("addressbook.PlaceCheck", matcherr.ErrInsufficientBalance,
					fmt.Sprintf("asset %s: spendable=%d reserved=%d required=%d", asset, spendable, a.reserved[asset], amount))
				return
			}
		}
		for asset, amount := range need {
			a.reserved[asset] += amount
		}
		a.active[o.ID] = &reservation{
			Pair: o.Pair, Side: o.Side, Asset: principalAsset, Amount: principalAmount,
			FeeAsset: feeAsset, Fee: fee, OrderAmnt: o.Amount, OrderPrice: o.Price,
		}
		a.persist()
	})
	return result
}

// ApplyFill releases the portion of the reservation consumed by a fill of
// filledAmount, valued at the order's own price (the price the reservation
// was made at), having charged filledFee of the order's
// matcher fee. If the order's reservation is fully consumed it is dropped
// from the active set.
func (a *AddressActor) ApplyFill(orderID string, filledAmount, filledFee int64) {
	a.call(func() {
		r, ok := a.active[orderID]
		if !ok {
			return
		}
		var principalConsumed int64
		if r.Side == order.Buy {
			principalConsumed = (filledAmount * r.OrderPrice) / order.PriceConstant
		} else {
			principalConsumed = filledAmount
		}
		if principalConsumed > r.Amount {
			principalConsumed = r.Amount
		}
		if filledFee > r.Fee {
			filledFee = r.Fee
		}
		r.Amount -= principalConsumed
		r.Fee -= filledFee
		a.reserved[r.Asset] -= principalConsumed
		a.reserved[r.FeeAsset] -= filledFee

		if r.Amount <= 0 && r.Fee <= 0 {
			delete(a.active, orderID)
		}
		a.persist()
	})
}

// ApplyCancel releases whatever remains reserved for orderID.
func (a *AddressActor) ApplyCancel(orderID string) {
	a.call(func() {
		r, ok := a.active[orderID]
		if !ok {
			return
		}
		a.reserved[r.Asset] -= r.Amount
		a.reserved[r.FeeAsset] -= r.Fee
		delete(a.active, orderID)
		a.persist()
	})
}

// QueryBalance returns the amount of asset currently reserved.
func (a *AddressActor) QueryBalance(asset string) int64 {
	var out int64
	a.call(func() { out = a.reserved[asset] })
	return out
}

// QueryHistory returns the order ids with an active reservation.
func (a *AddressActor) QueryHistory() []string {
	var out []string
	a.call(func() {
		out = make([]string, 0, len(a.active))
		for id := range a.active {
			out = append(out, id)
		}
	})
	return out
}

// Invariant reports whether Σreserved equals Σ per-order reservations,
// for tests exercising the reservation-balance property.
func (a *AddressActor) Invariant() bool {
	ok := true
	a.call(func() {
		sums := make(map[string]int64)
		for _, r := range a.active {
			sums[r.Asset] += r.Amount
			sums[r.FeeAsset] += r.Fee
		}
		for asset, total := range a.reserved {
			if total != sums[asset] {
				ok = false
				return
			}
		}
		for asset, total := range sums {
			if total != a.reserved[asset] {
				ok = false
				return
			}
		}
	})
	return ok
}
