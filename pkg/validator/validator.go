// Package validator implements the stateless pipeline applied to every
// order before it is appended to the event queue: matcher-settings,
// time, market and blockchain-aware stages, each able to short-circuit
// the pipeline with a rejection.
package validator

import (
	"fmt"
	"time"

	"github.com/dexmatcher/matcherd/pkg/matcherr"
	"github.com/dexmatcher/matcherd/pkg/matching"
	"github.com/dexmatcher/matcherd/pkg/order"
)

// Settings is the subset of matcher configuration the pipeline consults.
type Settings struct {
	AllowedVersions      map[uint8]bool
	AllowedFeeAssets     map[string]bool
	MinFeeRate           map[string]int64 // feeAsset -> minimum matcherFee per unit amount, scaled by order.PriceConstant
	MaxOrderAge          time.Duration
	MinExpirationWindow  time.Duration
	MaxExpirationWindow  time.Duration
	MaxPriceDeviation    float64 // fractional, e.g. 0.25 for 25%
	BlacklistedAssets    map[string]bool
	BlacklistedAddresses map[string]bool
}

// MarketView supplies the best-opposite-price context a market-aware
// stage needs without requiring a live OrderBookActor round trip.
type MarketView interface {
	GetBestBid() (int64, bool)
	GetBestAsk() (int64, bool)
}

// BalanceChecker delegates the reservable-balance check to the owning
// AddressActor; it is the last, most expensive stage.
type BalanceChecker interface {
	PlaceCheck(o *order.Order) error
}

// Clock abstracts time.Now for deterministic tests.
type Clock interface{ Now() time.Time }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Validator runs every registered stage in order, stopping at the first
// rejection.
type Validator struct {
	Settings    Settings
	Clock       Clock
	Aggregation func(pair order.Pair) (matching.Aggregation, bool)
	Market      func(pair order.Pair) (MarketView, bool)
	Balances    BalanceChecker
	KnownPair   func(pair order.Pair) bool
	// ScriptCheck, if set, evaluates the owner's account script (if any)
	// against the order; subject is the hex-encoded owner address.
	ScriptCheck func(subject string) (allowed bool, reason string, err error)
}

func New(settings Settings, known func(order.Pair) bool) *Validator {
	return &Validator{Settings: settings, Clock: realClock{}, KnownPair: known}
}

// Validate runs the full pipeline against o.
func (v *Validator) Validate(o *order.Order) error {
	stages := []func(*order.Order) error{
		v.matcherSettingsStage,
		v.timeStage,
		v.marketStage,
		v.blockchainStage,
	}
	for _, stage := range stages {
		if err := stage(o); err != nil {
			return err
		}
	}
	return nil
}

func (v *Validator) matcherSettingsStage(o *order.Order) error {
	if v.KnownPair != nil && !v.KnownPair(o.Pair) {
		return matcherr.Wrap("validator.MatcherSettings", matcherr.ErrUnknownPair, o.Pair.String())
	}
	if len(v.Settings.AllowedVersions) > 0 && !v.Settings.AllowedVersions[o.Version] {
		return matcherr.Wrap("validator.MatcherSettings", matcherr.ErrInvalid, fmt.Sprintf("order version %d not allowed", o.Version))
	}
	if len(v.Settings.AllowedFeeAssets) > 0 && !v.Settings.AllowedFeeAssets[o.FeeAsset] {
		return matcherr.Wrap("validator.MatcherSettings", matcherr.ErrInvalid, fmt.Sprintf("fee asset %s not allowed", o.FeeAsset))
	}
	if min, ok := v.Settings.MinFeeRate[o.FeeAsset]; ok {
		required := (o.Amount * min) / order.PriceConstant
		if o.MatcherFee < required {
			return matcherr.Wrap("validator.MatcherSettings", matcherr.ErrInvalid, fmt.Sprintf("matcherFee %d below minimum %d", o.MatcherFee, required))
		}
	}
	return nil
}

func (v *Validator) timeStage(o *order.Order) error {
	now := v.now()
	if err := o.StructuralInvariants(); err != nil {
		return matcherr.Wrap("validator.Time", matcherr.ErrInvalid, err.Error())
	}
	age := o.Age(now)
	if v.Settings.MaxOrderAge > 0 && (age < 0 || age > v.Settings.MaxOrderAge) {
		return matcherr.Wrap("validator.Time", matcherr.ErrInvalid, fmt.Sprintf("order age %s outside window", age))
	}
	ttl := o.TimeToExpiration(now)
	if v.Settings.MinExpirationWindow > 0 && ttl < v.Settings.MinExpirationWindow {
		return matcherr.Wrap("validator.Time", matcherr.ErrInvalid, "expiration window too short")
	}
	if v.Settings.MaxExpirationWindow > 0 && ttl > v.Settings.MaxExpirationWindow {
		return matcherr.Wrap("validator.Time", matcherr.ErrInvalid, "expiration window too long")
	}
	return nil
}

func (v *Validator) now() time.Time {
	if v.Clock != nil {
		return v.Clock.Now()
	}
	return time.Now()
}

func (v *Validator) marketStage(o *order.Order) error {
	if v.Settings.MaxPriceDeviation > 0 && v.Market != nil {
		if book, ok := v.Market(o.Pair); ok {
			var reference int64
			var have bool
			if o.Side == order.Buy {
				reference, have = book.GetBestAsk()
			} else {
				reference, have = book.GetBestBid()
			}
			if have && reference > 0 {
				deviation := absFloat(float64(o.Price-reference)) / float64(reference)
				if deviation > v.Settings.MaxPriceDeviation {
					return matcherr.Wrap("validator.Market", matcherr.ErrInvalid, fmt.Sprintf("price deviates %.4f from reference %d", deviation, reference))
				}
			}
		}
	}
	if v.Aggregation != nil {
		if agg, ok := v.Aggregation(o.Pair); ok && agg.Mode == matching.Enabled && agg.Tick > 0 {
			if o.Price%agg.Tick != 0 {
				return matcherr.Wrap("validator.Market", matcherr.ErrInvalid, "price not aligned to tick size")
			}
		}
	}
	return nil
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func (v *Validator) blockchainStage(o *order.Order) error {
	if v.Settings.BlacklistedAssets[o.Pair.AmountAsset] || v.Settings.BlacklistedAssets[o.Pair.PriceAsset] || v.Settings.BlacklistedAssets[o.FeeAsset] {
		return matcherr.Wrap("validator.Blockchain", matcherr.ErrInvalid, "asset blacklisted")
	}
	if v.Settings.BlacklistedAddresses[o.Owner.Hex()] {
		return matcherr.Wrap("validator.Blockchain", matcherr.ErrInvalid, "address blacklisted")
	}
	if v.ScriptCheck != nil {
		allowed, reason, err := v.ScriptCheck(o.Owner.Hex())
		if err != nil {
			return matcherr.Wrap("validator.Blockchain", matcherr.ErrScriptError, err.Error())
		}
		if !allowed {
			return matcherr.Wrap("validator.Blockchain", matcherr.ErrScriptDenied, reason)
		}
	}
	if v.Balances != nil {
		if err := v.Balances.PlaceCheck(o); err != nil {
			return err
		}
	}
	return nil
}
