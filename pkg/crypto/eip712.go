package crypto

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Domain represents the EIP-712 domain separator for matcher orders.
// It prevents a signed order from one deployment (chain/matcher instance)
// being replayed against another.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// DefaultDomain returns the domain used when no override is configured.
func DefaultDomain() Domain {
	return Domain{
		Name:              "matcherd",
		Version:           "1",
		ChainID:           big.NewInt(1),
		VerifyingContract: common.Address{},
	}
}

// OrderTypedData is the canonical EIP-712 message for an order, matching
// the Order fields of the data model: pair, side, amount, price (already
// normalized to the 10^8 price constant), matcherFee, feeAsset, timestamp
// and expiration.
type OrderTypedData struct {
	AmountAsset string
	PriceAsset  string
	Side        uint8 // 1 = Buy, 2 = Sell
	Amount      *big.Int
	Price       *big.Int
	MatcherFee  *big.Int
	FeeAsset    string
	Timestamp   *big.Int
	Expiration  *big.Int
	Version     uint8
	Owner       common.Address
}

// CancelTypedData is the canonical EIP-712 message for a cancel request.
type CancelTypedData struct {
	OrderID string
	Owner   common.Address
}

// OrderSigner hashes and verifies order/cancel typed data under a fixed domain.
type OrderSigner struct {
	domain Domain
}

func NewOrderSigner(domain Domain) *OrderSigner { return &OrderSigner{domain: domain} }

func (s *OrderSigner) typedDataDomain() apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              s.domain.Name,
		Version:           s.domain.Version,
		ChainId:           (*math.HexOrDecimal256)(s.domain.ChainID),
		VerifyingContract: s.domain.VerifyingContract.Hex(),
	}
}

// HashOrder computes the digest that an owner must sign for the order to
// be accepted (spec §3: "signature verifies under owner").
func (s *OrderSigner) HashOrder(o *OrderTypedData) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Order": []apitypes.Type{
				{Name: "amountAsset", Type: "string"},
				{Name: "priceAsset", Type: "string"},
				{Name: "side", Type: "uint8"},
				{Name: "amount", Type: "uint256"},
				{Name: "price", Type: "uint256"},
				{Name: "matcherFee", Type: "uint256"},
				{Name: "feeAsset", Type: "string"},
				{Name: "timestamp", Type: "uint256"},
				{Name: "expiration", Type: "uint256"},
				{Name: "version", Type: "uint8"},
				{Name: "owner", Type: "address"},
			},
		},
		PrimaryType: "Order",
		Domain:      s.typedDataDomain(),
		Message: apitypes.TypedDataMessage{
			"amountAsset": o.AmountAsset,
			"priceAsset":  o.PriceAsset,
			"side":        fmt.Sprintf("%d", o.Side),
			"amount":      o.Amount.String(),
			"price":       o.Price.String(),
			"matcherFee":  o.MatcherFee.String(),
			"feeAsset":    o.FeeAsset,
			"timestamp":   o.Timestamp.String(),
			"expiration":  o.Expiration.String(),
			"version":     fmt.Sprintf("%d", o.Version),
			"owner":       o.Owner.Hex(),
		},
	}
	return hashTypedData(typedData)
}

// HashCancel computes the digest that an owner must sign to cancel an order.
func (s *OrderSigner) HashCancel(c *CancelTypedData) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"CancelOrder": []apitypes.Type{
				{Name: "orderId", Type: "string"},
				{Name: "owner", Type: "address"},
			},
		},
		PrimaryType: "CancelOrder",
		Domain:      s.typedDataDomain(),
		Message: apitypes.TypedDataMessage{
			"orderId": c.OrderID,
			"owner":   c.Owner.Hex(),
		},
	}
	return hashTypedData(typedData)
}

func hashTypedData(typedData apitypes.TypedData) ([]byte, error) {
	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("hash domain: %w", err)
	}
	messageHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("hash message: %w", err)
	}
	raw := append([]byte("\x19\x01"), append(domainSeparator, messageHash...)...)
	digest := crypto.Keccak256Hash(raw)
	return digest.Bytes(), nil
}

// SignOrder signs an order digest with signer and returns the 65-byte signature.
func (s *OrderSigner) SignOrder(signer *Signer, o *OrderTypedData) ([]byte, error) {
	hash, err := s.HashOrder(o)
	if err != nil {
		return nil, err
	}
	return signer.Sign(hash)
}

// VerifyOrder reports whether signature was produced by o.Owner over o.
func (s *OrderSigner) VerifyOrder(o *OrderTypedData, signature []byte) (bool, error) {
	hash, err := s.HashOrder(o)
	if err != nil {
		return false, err
	}
	recovered, err := RecoverAddress(hash, signature)
	if err != nil {
		return false, err
	}
	return recovered == o.Owner, nil
}

// VerifyCancel reports whether signature was produced by c.Owner over c.
func (s *OrderSigner) VerifyCancel(c *CancelTypedData, signature []byte) (bool, error) {
	hash, err := s.HashCancel(c)
	if err != nil {
		return false, err
	}
	recovered, err := RecoverAddress(hash, signature)
	if err != nil {
		return false, err
	}
	return recovered == c.Owner, nil
}

// SideToUint8 converts a side string ("buy"/"sell") to the EIP-712 wire value.
func SideToUint8(side string) uint8 {
	switch side {
	case "buy", "BUY":
		return 1
	case "sell", "SELL":
		return 2
	default:
		return 0
	}
}
