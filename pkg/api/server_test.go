package api

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"

	"github.com/dexmatcher/matcherd/pkg/chain/chaintest"
	"github.com/dexmatcher/matcherd/pkg/crypto"
	"github.com/dexmatcher/matcherd/pkg/matcher"
	"github.com/dexmatcher/matcherd/pkg/matching"
	"github.com/dexmatcher/matcherd/pkg/order"
	"github.com/dexmatcher/matcherd/pkg/orderdb"
	"github.com/dexmatcher/matcherd/pkg/queue"
	"github.com/dexmatcher/matcherd/pkg/ratecache"
	"github.com/dexmatcher/matcherd/pkg/registry"
	"github.com/dexmatcher/matcherd/pkg/snapshot"
	"github.com/dexmatcher/matcherd/pkg/storage"
	"github.com/dexmatcher/matcherd/pkg/util"
	"github.com/dexmatcher/matcherd/pkg/validator"
)

var testPair = order.Pair{AmountAsset: "A", PriceAsset: "W"}

type testStack struct {
	server  *Server
	matcher *matcher.MatcherActor
	queue   queue.EventQueue
	orders  *orderdb.DB
	signer  *crypto.Signer
}

func newTestStack(t *testing.T, ready bool) *testStack {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg := registry.NewAssetPairRegistry(store)
	_, err = reg.RegisterPair(testPair, matching.Aggregation{Mode: matching.Disabled})
	require.NoError(t, err)

	q, err := queue.OpenLocal(filepath.Join(t.TempDir(), "queue"), util.RealClock{})
	require.NoError(t, err)
	t.Cleanup(func() { q.Close(time.Second) })

	orders := orderdb.New(store)
	snaps := snapshot.NewStore(store)
	m := matcher.New(reg, q, orders, snaps, store, chaintest.New(), nil, 0, nil)

	orderSigner := crypto.NewOrderSigner(crypto.DefaultDomain())
	verifier := order.NewVerifier(orderSigner)
	val := validator.New(validator.Settings{}, reg.Exists)
	rates := ratecache.NewRateCache(store)

	s := NewServer(m, reg, q, orders, val, verifier, rates, nil)

	if ready {
		require.NoError(t, m.Start(context.Background()))
		require.NoError(t, m.WaitUntilReady(time.Second))
	}

	signer, err := crypto.GenerateKey()
	require.NoError(t, err)

	return &testStack{server: s, matcher: m, queue: q, orders: orders, signer: signer}
}

func (ts *testStack) signedOrderRequest(id string, side order.Side, amount, price, fee int64) PlaceOrderRequest {
	orderSigner := crypto.NewOrderSigner(crypto.DefaultDomain())
	typed := &crypto.OrderTypedData{
		AmountAsset: testPair.AmountAsset,
		PriceAsset:  testPair.PriceAsset,
		Side:        uint8(side),
		Amount:      big.NewInt(amount),
		Price:       big.NewInt(price),
		MatcherFee:  big.NewInt(fee),
		FeeAsset:    testPair.PriceAsset,
		Timestamp:   big.NewInt(1_000),
		Expiration:  big.NewInt(1_000 + int64(time.Hour/time.Millisecond)),
		Version:     1,
		Owner:       ts.signer.Address(),
	}
	sig, err := orderSigner.SignOrder(ts.signer, typed)
	if err != nil {
		panic(err)
	}
	return PlaceOrderRequest{
		ID: id, Owner: ts.signer.Address().Hex(),
		AmountAsset: testPair.AmountAsset, PriceAsset: testPair.PriceAsset,
		Side: side.String(), Amount: amount, Price: price,
		MatcherFee: fee, FeeAsset: testPair.PriceAsset,
		Timestamp: 1_000, Expiration: 1_000 + int64(time.Hour/time.Millisecond),
		Version: 1, Signature: hexutil.Encode(sig),
	}
}

func doRequest(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestRequireReadyRejectsBeforeStart(t *testing.T) {
	ts := newTestStack(t, false)
	rec := doRequest(t, ts.server, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleStatusReportsReady(t *testing.T) {
	ts := newTestStack(t, true)
	rec := doRequest(t, ts.server, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status MatcherStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Equal(t, "Ready", status.Status)
}

func TestHandleListPairs(t *testing.T) {
	ts := newTestStack(t, true)
	rec := doRequest(t, ts.server, http.MethodGet, "/api/v1/pairs", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var pairs []PairInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pairs))
	require.Len(t, pairs, 1)
	require.Equal(t, "A", pairs[0].AmountAsset)
}

func TestHandlePlaceOrderAcceptsValidOrder(t *testing.T) {
	ts := newTestStack(t, true)
	req := ts.signedOrderRequest("o1", order.Sell, 100, order.PriceConstant, 0)

	rec := doRequest(t, ts.server, http.MethodPost, "/api/v1/orders", req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp SubmitOrderResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "Accepted", resp.Status)
	require.Equal(t, "o1", resp.OrderID)
}

func TestHandlePlaceOrderAfterStartupCatchUpStillRoutes(t *testing.T) {
	ts := newTestStack(t, true)

	req1 := ts.signedOrderRequest("o1", order.Sell, 100, order.PriceConstant, 0)
	rec := doRequest(t, ts.server, http.MethodPost, "/api/v1/orders", req1)
	require.Equal(t, http.StatusOK, rec.Code)

	// A second order placed once the matcher is already Ready and its
	// consumer has caught up to the queue tail; this is the exact case
	// where a transport that stops polling at EOF would silently drop it.
	req2 := ts.signedOrderRequest("o2", order.Sell, 50, order.PriceConstant, 0)
	rec = doRequest(t, ts.server, http.MethodPost, "/api/v1/orders", req2)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp SubmitOrderResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "Accepted", resp.Status)

	require.Eventually(t, func() bool {
		rec := doRequest(t, ts.server, http.MethodGet, "/api/v1/orders/o2", nil)
		var info OrderInfo
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
		return info.Status != order.NotFound.String()
	}, time.Second, 10*time.Millisecond, "order placed after startup catch-up was never routed to its order book")
}

func TestHandlePlaceOrderRejectsBadSignature(t *testing.T) {
	ts := newTestStack(t, true)
	req := ts.signedOrderRequest("o1", order.Sell, 100, order.PriceConstant, 0)
	req.Amount = 999 // tamper after signing

	rec := doRequest(t, ts.server, http.MethodPost, "/api/v1/orders", req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp SubmitOrderResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "Rejected", resp.Status)
}

func TestHandleOrderStatusUnknownReturnsNotFoundTag(t *testing.T) {
	ts := newTestStack(t, true)
	rec := doRequest(t, ts.server, http.MethodGet, "/api/v1/orders/missing", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var info OrderInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	require.Equal(t, order.NotFound.String(), info.Status)
}

func TestHandleOrderbookUnknownPairReturnsNotFound(t *testing.T) {
	ts := newTestStack(t, true)
	rec := doRequest(t, ts.server, http.MethodGet, "/api/v1/pairs/X/Y/orderbook", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleRateUnknownAssetReturnsNotFound(t *testing.T) {
	ts := newTestStack(t, true)
	rec := doRequest(t, ts.server, http.MethodGet, "/api/v1/rates/W", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleBalanceReturnsZeroForFreshAddress(t *testing.T) {
	ts := newTestStack(t, true)
	addr := ts.signer.Address().Hex()
	rec := doRequest(t, ts.server, http.MethodGet, "/api/v1/addresses/"+addr+"/balances/W", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var info BalanceInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	require.Equal(t, int64(0), info.Reserved)
}
