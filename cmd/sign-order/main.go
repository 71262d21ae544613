package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/dexmatcher/matcherd/pkg/api"
	"github.com/dexmatcher/matcherd/pkg/crypto"
)

func main() {
	var (
		privateKey  = flag.String("key", "", "hex-encoded private key (generates a new one if empty)")
		amountAsset = flag.String("amount-asset", "BTC", "amount asset id")
		priceAsset  = flag.String("price-asset", "USDT", "price asset id")
		side        = flag.String("side", "buy", "buy or sell")
		amount      = flag.Int64("amount", 100, "order amount, smallest unit")
		price       = flag.Int64("price", 50000*100000000, "order price, normalized to 10^8")
		matcherFee  = flag.Int64("fee", 300000, "matcher fee")
		feeAsset    = flag.String("fee-asset", "USDT", "fee asset id")
		ttl         = flag.Duration("ttl", time.Hour, "expiration window from now")
		version     = flag.Uint("version", 1, "order version")
	)
	flag.Parse()

	var signer *crypto.Signer
	var err error
	if *privateKey == "" {
		fmt.Println("generating new keypair")
		signer, err = crypto.GenerateKey()
	} else {
		signer, err = crypto.FromPrivateKeyHex(*privateKey)
	}
	if err != nil {
		fmt.Printf("error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("owner: %s\n", signer.Address().Hex())
	if *privateKey == "" {
		fmt.Printf("private key: %s (keep secret)\n", signer.PrivateKeyHex())
	}

	now := time.Now()
	typed := &crypto.OrderTypedData{
		AmountAsset: *amountAsset,
		PriceAsset:  *priceAsset,
		Side:        crypto.SideToUint8(*side),
		Amount:      big.NewInt(*amount),
		Price:       big.NewInt(*price),
		MatcherFee:  big.NewInt(*matcherFee),
		FeeAsset:    *feeAsset,
		Timestamp:   big.NewInt(now.UnixMilli()),
		Expiration:  big.NewInt(now.Add(*ttl).UnixMilli()),
		Version:     uint8(*version),
		Owner:       signer.Address(),
	}

	orderSigner := crypto.NewOrderSigner(crypto.DefaultDomain())
	signature, err := orderSigner.SignOrder(signer, typed)
	if err != nil {
		fmt.Printf("error signing: %v\n", err)
		os.Exit(1)
	}

	if valid, err := orderSigner.VerifyOrder(typed, signature); err != nil || !valid {
		fmt.Printf("error: signature failed self-check: %v\n", err)
		os.Exit(1)
	}

	req := api.PlaceOrderRequest{
		ID:          fmt.Sprintf("%s-%d", signer.Address().Hex(), now.UnixNano()),
		Owner:       signer.Address().Hex(),
		AmountAsset: typed.AmountAsset,
		PriceAsset:  typed.PriceAsset,
		Side:        *side,
		Amount:      typed.Amount.Int64(),
		Price:       typed.Price.Int64(),
		MatcherFee:  typed.MatcherFee.Int64(),
		FeeAsset:    typed.FeeAsset,
		Timestamp:   typed.Timestamp.Int64(),
		Expiration:  typed.Expiration.Int64(),
		Version:     uint8(*version),
		Signature:   hexutil.Encode(signature),
	}

	body, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		fmt.Printf("error marshaling request: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("signature valid, ready to submit:")
	fmt.Println("POST /api/v1/orders")
	fmt.Println(string(body))
}
