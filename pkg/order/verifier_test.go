package order

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dexmatcher/matcherd/pkg/crypto"
)

func signedOrder(t *testing.T, signer *crypto.Signer, orderSigner *crypto.OrderSigner) *Order {
	t.Helper()
	o := &Order{
		ID:         "o1",
		Owner:      signer.Address(),
		Pair:       Pair{AmountAsset: "BTC", PriceAsset: "USDT"},
		Side:       Buy,
		Amount:     100,
		Price:      2 * PriceConstant,
		MatcherFee: 300000,
		FeeAsset:   "USDT",
		Timestamp:  1_000,
		Expiration: 2_000,
		Version:    1,
	}
	verifier := NewVerifier(orderSigner)
	sig, err := orderSigner.SignOrder(signer, verifier.typedData(o))
	require.NoError(t, err)
	o.Signature = sig
	return o
}

func TestVerifyOrderAcceptsValidSignature(t *testing.T) {
	signer, err := crypto.GenerateKey()
	require.NoError(t, err)
	orderSigner := crypto.NewOrderSigner(crypto.DefaultDomain())
	o := signedOrder(t, signer, orderSigner)

	v := NewVerifier(orderSigner)
	require.NoError(t, v.VerifyOrder(o))
}

func TestVerifyOrderRejectsTamperedFields(t *testing.T) {
	signer, err := crypto.GenerateKey()
	require.NoError(t, err)
	orderSigner := crypto.NewOrderSigner(crypto.DefaultDomain())
	o := signedOrder(t, signer, orderSigner)

	o.Amount = 999 // mutate after signing
	v := NewVerifier(orderSigner)
	require.Error(t, v.VerifyOrder(o))
}

func TestVerifyOrderRejectsWrongSigner(t *testing.T) {
	signer, err := crypto.GenerateKey()
	require.NoError(t, err)
	other, err := crypto.GenerateKey()
	require.NoError(t, err)
	orderSigner := crypto.NewOrderSigner(crypto.DefaultDomain())
	o := signedOrder(t, signer, orderSigner)
	o.Owner = other.Address()

	v := NewVerifier(orderSigner)
	require.Error(t, v.VerifyOrder(o))
}

func TestVerifyCancel(t *testing.T) {
	signer, err := crypto.GenerateKey()
	require.NoError(t, err)
	orderSigner := crypto.NewOrderSigner(crypto.DefaultDomain())
	cancel := &crypto.CancelTypedData{OrderID: "o1", Owner: signer.Address()}

	hash, err := orderSigner.HashCancel(cancel)
	require.NoError(t, err)
	sig, err := signer.Sign(hash)
	require.NoError(t, err)

	v := NewVerifier(orderSigner)
	require.NoError(t, v.VerifyCancel("o1", signer.Address(), sig))
	require.Error(t, v.VerifyCancel("o2", signer.Address(), sig))
}
