// Package order defines the canonical order data model and the
// signature-verification stage applied before an order is admitted.
package order

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// PriceConstant is the implicit fixed-point multiplier applied to all
// prices: a price of 2.00 in priceAsset units is represented as 2*PriceConstant.
const PriceConstant int64 = 100000000 // 10^8

// Side identifies which side of the book an order rests on.
type Side uint8

const (
	Buy Side = 1 + iota
	Sell
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return "unknown"
	}
}

func ParseSide(s string) (Side, bool) {
	switch s {
	case "buy", "BUY":
		return Buy, true
	case "sell", "SELL":
		return Sell, true
	default:
		return 0, false
	}
}

// Pair is an ordered asset pair: amounts are denominated in AmountAsset,
// prices in PriceAsset. The empty string denotes the chain's native coin.
type Pair struct {
	AmountAsset string
	PriceAsset  string
}

func (p Pair) String() string { return p.AmountAsset + "/" + p.PriceAsset }

func (p Pair) Equal(o Pair) bool {
	return p.AmountAsset == o.AmountAsset && p.PriceAsset == o.PriceAsset
}

// Order is the immutable, signed client submission. Amount, Price and
// MatcherFee are integers in the asset's smallest unit; Price is
// normalized to PriceConstant.
type Order struct {
	ID         string
	Owner      common.Address
	Pair       Pair
	Side       Side
	Amount     int64
	Price      int64
	MatcherFee int64
	FeeAsset   string
	Timestamp  int64 // unix millis
	Expiration int64 // unix millis
	Version    uint8
	Signature  []byte
}

// StatusTag is the tagged-variant discriminant of an order's lifecycle state.
type StatusTag uint8

const (
	Accepted StatusTag = iota
	PartiallyFilled
	Filled
	Cancelled
	NotFound
)

func (t StatusTag) String() string {
	switch t {
	case Accepted:
		return "Accepted"
	case PartiallyFilled:
		return "PartiallyFilled"
	case Filled:
		return "Filled"
	case Cancelled:
		return "Cancelled"
	case NotFound:
		return "NotFound"
	default:
		return "Unknown"
	}
}

// Status carries the cumulative fill state alongside its tag.
type Status struct {
	Tag       StatusTag
	Filled    int64
	FilledFee int64
}

// IsTerminal reports whether no further transition is permitted.
func (s Status) IsTerminal() bool {
	return s.Tag == Filled || s.Tag == Cancelled
}

// StructuralInvariants checks the invariants that do not require a
// signature check or external context: expiration > timestamp, amount and
// price strictly positive.
func (o *Order) StructuralInvariants() error {
	if o.Amount <= 0 {
		return errInvalid("amount must be positive")
	}
	if o.Price <= 0 {
		return errInvalid("price must be positive")
	}
	if o.Expiration <= o.Timestamp {
		return errInvalid("expiration must exceed timestamp")
	}
	if o.Side != Buy && o.Side != Sell {
		return errInvalid("side must be buy or sell")
	}
	return nil
}

// ReservationRequirement returns the asset a successful PlaceCheck must
// reserve funds in, and the quantity (excluding fee) for this order. For
// Buy, funds are reserved in PriceAsset (amount*price, rescaled from
// PriceConstant); for Sell, funds are reserved in AmountAsset.
func (o *Order) ReservationRequirement() (asset string, amount int64) {
	switch o.Side {
	case Buy:
		return o.Pair.PriceAsset, mulDiv(o.Amount, o.Price, PriceConstant)
	default:
		return o.Pair.AmountAsset, o.Amount
	}
}

// mulDiv computes floor(a*b/c) for non-negative a, b and positive c, using
// an arbitrary-precision intermediate product so a*b cannot overflow; the
// quotient itself must fit in int64.
func mulDiv(a, b, c int64) int64 {
	var p big.Int
	p.Mul(big.NewInt(a), big.NewInt(b))
	p.Quo(&p, big.NewInt(c))
	return p.Int64()
}

// Age returns how long ago the order was timestamped, relative to now.
func (o *Order) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(o.Timestamp))
}

// TimeToExpiration returns the remaining validity window.
func (o *Order) TimeToExpiration(now time.Time) time.Duration {
	return time.UnixMilli(o.Expiration).Sub(now)
}

type invalidError string

func (e invalidError) Error() string { return string(e) }

func errInvalid(msg string) error { return invalidError(msg) }
