// Package chaintest provides a deterministic, in-memory BlockchainContext
// used by unit tests that exercise AddressActor, OrderValidator and the
// broadcaster without a real chain client.
package chaintest

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/dexmatcher/matcherd/pkg/chain"
)

// Fake is a thread-safe, fully in-memory BlockchainContext.
type Fake struct {
	mu sync.Mutex

	balances  map[common.Address]map[string]int64
	assets    map[string]*chain.AssetDescription
	scripted  map[string]bool
	denied    map[string]string // subject -> denial reason
	features  map[int]bool
	forged    map[string]bool
	forgedOrd map[string]bool
	broadcast []chain.ExchangeTransaction

	// BroadcastFails, if set, makes BroadcastTx report rejection without
	// erroring, exercising the broadcaster's retry path.
	BroadcastFails bool
}

func New() *Fake {
	return &Fake{
		balances:  make(map[common.Address]map[string]int64),
		assets:    make(map[string]*chain.AssetDescription),
		scripted:  make(map[string]bool),
		denied:    make(map[string]string),
		features:  make(map[int]bool),
		forged:    make(map[string]bool),
		forgedOrd: make(map[string]bool),
	}
}

func (f *Fake) SetBalance(owner common.Address, asset string, amount int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balances[owner] == nil {
		f.balances[owner] = make(map[string]int64)
	}
	f.balances[owner][asset] = amount
}

func (f *Fake) SetAssetDescription(assetID string, desc chain.AssetDescription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assets[assetID] = &desc
}

func (f *Fake) SetScripted(subject string, scripted bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripted[subject] = scripted
}

func (f *Fake) DenyScript(subject, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.denied[subject] = reason
}

func (f *Fake) ActivateFeature(id int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.features[id] = true
}

func (f *Fake) MarkForged(txID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forged[txID] = true
}

func (f *Fake) Broadcasts() []chain.ExchangeTransaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]chain.ExchangeTransaction, len(f.broadcast))
	copy(out, f.broadcast)
	return out
}

func (f *Fake) SpendableBalance(owner common.Address, asset string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[owner][asset], nil
}

func (f *Fake) AssetDescription(assetID string) (*chain.AssetDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if assetID == "" {
		return &chain.AssetDescription{Name: "native", Decimals: 8}, nil
	}
	return f.assets[assetID], nil
}

func (f *Fake) HasScript(subject string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scripted[subject], nil
}

func (f *Fake) RunScript(subject string, tx chain.ExchangeTransaction) (chain.ScriptResult, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if reason, denied := f.denied[subject]; denied {
		return chain.Denied, reason, nil
	}
	return chain.Allowed, "", nil
}

func (f *Fake) IsFeatureActivated(id int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.features[id], nil
}

func (f *Fake) WasForged(txID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.forged[txID], nil
}

func (f *Fake) ForgedOrder(orderID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.forgedOrd[orderID], nil
}

func (f *Fake) BroadcastTx(tx chain.ExchangeTransaction) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.BroadcastFails {
		return false, nil
	}
	f.broadcast = append(f.broadcast, tx)
	f.forged[tx.ID] = true
	f.forgedOrd[tx.BuyOrderID] = true
	f.forgedOrd[tx.SellOrderID] = true
	return true, nil
}

var _ chain.BlockchainContext = (*Fake)(nil)
