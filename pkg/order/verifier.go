package order

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/dexmatcher/matcherd/pkg/crypto"
	"github.com/dexmatcher/matcherd/pkg/matcherr"
)

// Verifier checks an Order's EIP-712 signature against its claimed owner
// before the order is handed to the validation pipeline.
type Verifier struct {
	signer *crypto.OrderSigner
}

func NewVerifier(signer *crypto.OrderSigner) *Verifier {
	return &Verifier{signer: signer}
}

func (v *Verifier) typedData(o *Order) *crypto.OrderTypedData {
	return &crypto.OrderTypedData{
		AmountAsset: o.Pair.AmountAsset,
		PriceAsset:  o.Pair.PriceAsset,
		Side:        uint8(o.Side),
		Amount:      big.NewInt(o.Amount),
		Price:       big.NewInt(o.Price),
		MatcherFee:  big.NewInt(o.MatcherFee),
		FeeAsset:    o.FeeAsset,
		Timestamp:   big.NewInt(o.Timestamp),
		Expiration:  big.NewInt(o.Expiration),
		Version:     o.Version,
		Owner:       o.Owner,
	}
}

// VerifyOrder confirms structural invariants and that Signature was
// produced by Owner over the order's canonical EIP-712 digest.
func (v *Verifier) VerifyOrder(o *Order) error {
	if err := o.StructuralInvariants(); err != nil {
		return matcherr.Wrap("order.Verify", matcherr.ErrInvalid, err.Error())
	}
	ok, err := v.signer.VerifyOrder(v.typedData(o), o.Signature)
	if err != nil {
		return matcherr.Wrap("order.Verify", matcherr.ErrInvalid, fmt.Sprintf("signature check: %v", err))
	}
	if !ok {
		return matcherr.Wrap("order.Verify", matcherr.ErrInvalid, "signature does not match owner")
	}
	return nil
}

// VerifyCancel confirms that signature over (orderId, owner) was produced
// by owner, authorizing cancellation of orderID.
func (v *Verifier) VerifyCancel(orderID string, owner common.Address, signature []byte) error {
	cancel := &crypto.CancelTypedData{OrderID: orderID, Owner: owner}
	ok, err := v.signer.VerifyCancel(cancel, signature)
	if err != nil {
		return matcherr.Wrap("order.VerifyCancel", matcherr.ErrInvalid, fmt.Sprintf("signature check: %v", err))
	}
	if !ok {
		return matcherr.Wrap("order.VerifyCancel", matcherr.ErrInvalid, "signature does not match owner")
	}
	return nil
}
