// Package chain declares the interface through which the matcher consults
// and drives the external blockchain substrate: balance lookups, script
// evaluation, asset metadata, and exchange-transaction broadcast. The
// blockchain itself, its wallet and key storage, and its raw key-value
// store are external collaborators with no implementation in this module.
package chain

import (
	"github.com/ethereum/go-ethereum/common"
)

// AssetDescription is the brief metadata the matcher needs about an asset:
// its display name, decimal precision, and whether it carries a script.
type AssetDescription struct {
	Name      string
	Decimals  uint8
	HasScript bool
}

// ScriptResult is the outcome of evaluating an account or asset script
// against a candidate transaction.
type ScriptResult uint8

const (
	Allowed ScriptResult = iota
	Denied
	ScriptError
)

// ExchangeTransaction is the settlement instruction the matcher produces
// for each crossing and hands to the broadcaster.
type ExchangeTransaction struct {
	ID             string
	AmountAsset    string
	PriceAsset     string
	BuyOrderID     string
	SellOrderID    string
	Buyer          common.Address
	Seller         common.Address
	Price          int64
	Amount         int64
	BuyMatcherFee  int64
	SellMatcherFee int64
	Timestamp      int64
}

// BlockchainContext is the full surface the matcher consumes from the
// chain client. Implementations live outside this module; pkg/chain/chaintest
// provides a deterministic fake for tests.
type BlockchainContext interface {
	WasForged(txID string) (bool, error)
	BroadcastTx(tx ExchangeTransaction) (bool, error)
	IsFeatureActivated(id int) (bool, error)
	AssetDescription(assetID string) (*AssetDescription, error)
	HasScript(subject string) (bool, error)
	RunScript(subject string, tx ExchangeTransaction) (ScriptResult, string, error)
	SpendableBalance(owner common.Address, asset string) (int64, error)
	ForgedOrder(orderID string) (bool, error)
}
