package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/dexmatcher/matcherd/pkg/matcher"
	"github.com/dexmatcher/matcherd/pkg/matching"
	"github.com/dexmatcher/matcherd/pkg/order"
	"github.com/dexmatcher/matcherd/pkg/orderdb"
	"github.com/dexmatcher/matcherd/pkg/queue"
	"github.com/dexmatcher/matcherd/pkg/ratecache"
	"github.com/dexmatcher/matcherd/pkg/registry"
	"github.com/dexmatcher/matcherd/pkg/validator"
)

// Server is the thin HTTP/WebSocket reflection of the matcher's public
// contract: place, cancel, status-by-id, order-book-by-pair, market
// status, rates, and reserved balances. It is not the production
// front-end (auth, rate limiting, pagination) — those live outside this
// module.
type Server struct {
	router    *mux.Router
	hub       *Hub
	matcher   *matcher.MatcherActor
	registry  *registry.AssetPairRegistry
	queue     queue.EventQueue
	orders    *orderdb.DB
	validator *validator.Validator
	verifier  *order.Verifier
	rates     *ratecache.RateCache
	logger    *zap.Logger
}

func NewServer(m *matcher.MatcherActor, reg *registry.AssetPairRegistry, q queue.EventQueue, orders *orderdb.DB, v *validator.Validator, verifier *order.Verifier, rates *ratecache.RateCache, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		router:    mux.NewRouter(),
		hub:       NewHub(logger),
		matcher:   m,
		registry:  reg,
		queue:     q,
		orders:    orders,
		validator: v,
		verifier:  verifier,
		rates:     rates,
		logger:    logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.requireReady)

	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/pairs", s.handleListPairs).Methods("GET")
	api.HandleFunc("/pairs/{amountAsset}/{priceAsset}/orderbook", s.handleOrderbook).Methods("GET")
	api.HandleFunc("/orders", s.handlePlaceOrder).Methods("POST")
	api.HandleFunc("/orders/cancel", s.handleCancelOrder).Methods("POST")
	api.HandleFunc("/orders/{id}", s.handleOrderStatus).Methods("GET")
	api.HandleFunc("/addresses/{address}/balances/{asset}", s.handleBalance).Methods("GET")
	api.HandleFunc("/rates/{asset}", s.handleRate).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// requireReady fails every versioned endpoint with 503 while the matcher
// is still restoring and replaying, per the resolved Open Question.
func (s *Server) requireReady(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.matcher.Status() != matcher.Ready {
			respondError(w, http.StatusServiceUnavailable, "starting", "matcher is still restoring and replaying the event log")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) Start(addr string) error {
	go s.hub.Run()

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: false,
	})

	s.logger.Info("api server starting", zap.String("addr", addr))
	return http.ListenAndServe(addr, c.Handler(s.router))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.matcher.Status() != matcher.Ready {
		respondError(w, http.StatusServiceUnavailable, "starting", "")
		return
	}
	respondJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, MatcherStatus{Status: s.matcher.Status().String()})
}

func (s *Server) handleListPairs(w http.ResponseWriter, r *http.Request) {
	pairs := s.registry.Pairs()
	out := make([]PairInfo, 0, len(pairs))
	for _, p := range pairs {
		agg, _ := s.registry.AggregationAt(p, ^uint64(0))
		out = append(out, PairInfo{
			AmountAsset: p.AmountAsset,
			PriceAsset:  p.PriceAsset,
			TickMode:    agg.Mode.String(),
			Tick:        agg.Tick,
		})
	}
	respondJSON(w, out)
}

func (s *Server) handleOrderbook(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	pair := order.Pair{AmountAsset: vars["amountAsset"], PriceAsset: vars["priceAsset"]}
	actor, ok := s.matcher.BookFor(pair)
	if !ok {
		respondError(w, http.StatusNotFound, "unknown pair", pair.String())
		return
	}
	book := actor.Book()
	resp := OrderbookSnapshot{
		Pair:      pair.String(),
		Bids:      toLevels(book.GetBidLevels()),
		Asks:      toLevels(book.GetAskLevels()),
		Timestamp: time.Now().UnixMilli(),
	}
	respondJSON(w, resp)
}

func toLevels(in []matching.PriceLevel) []PriceLevel {
	out := make([]PriceLevel, len(in))
	for i, l := range in {
		out[i] = PriceLevel{Price: l.Price, Amount: l.Amount}
	}
	return out
}

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if !common.IsHexAddress(req.Owner) {
		respondError(w, http.StatusBadRequest, "invalid owner address", "")
		return
	}
	sig, err := hexutil.Decode(req.Signature)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid signature encoding", err.Error())
		return
	}
	side, ok := order.ParseSide(req.Side)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid side", req.Side)
		return
	}

	o := &order.Order{
		ID:         req.ID,
		Owner:      common.HexToAddress(req.Owner),
		Pair:       order.Pair{AmountAsset: req.AmountAsset, PriceAsset: req.PriceAsset},
		Side:       side,
		Amount:     req.Amount,
		Price:      req.Price,
		MatcherFee: req.MatcherFee,
		FeeAsset:   req.FeeAsset,
		Timestamp:  req.Timestamp,
		Expiration: req.Expiration,
		Version:    req.Version,
		Signature:  sig,
	}

	if err := s.verifier.VerifyOrder(o); err != nil {
		respondRejected(w, err)
		return
	}
	if err := s.validator.Validate(o); err != nil {
		respondRejected(w, err)
		return
	}

	_, _, err = s.queue.Append(queue.Event{Type: queue.PlaceOrder, Pair: o.Pair, Order: o, ReqID: o.ID})
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "queue unavailable", err.Error())
		return
	}

	respondJSON(w, SubmitOrderResponse{Status: "Accepted", OrderID: o.ID})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if !common.IsHexAddress(req.Address) {
		respondError(w, http.StatusBadRequest, "invalid address", "")
		return
	}
	sig, err := hexutil.Decode(req.Signature)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid signature encoding", err.Error())
		return
	}
	owner := common.HexToAddress(req.Address)
	if err := s.verifier.VerifyCancel(req.OrderID, owner, sig); err != nil {
		respondRejected(w, err)
		return
	}

	rec, ok, err := s.orders.Get(req.OrderID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "lookup failed", err.Error())
		return
	}
	if !ok {
		respondError(w, http.StatusNotFound, "order not found", req.OrderID)
		return
	}

	_, _, err = s.queue.Append(queue.Event{Type: queue.CancelOrder, Pair: rec.Order.Pair, OrderID: req.OrderID, By: owner, ReqID: "cancel:" + req.OrderID})
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "queue unavailable", err.Error())
		return
	}

	respondJSON(w, map[string]string{"status": "submitted", "orderId": req.OrderID})
}

func (s *Server) handleOrderStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, ok, err := s.orders.Get(id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "lookup failed", err.Error())
		return
	}
	if !ok {
		respondJSON(w, OrderInfo{ID: id, Status: order.NotFound.String()})
		return
	}
	respondJSON(w, OrderInfo{
		ID:         rec.Order.ID,
		Pair:       rec.Order.Pair.String(),
		Side:       rec.Order.Side.String(),
		Price:      rec.Order.Price,
		Amount:     rec.Order.Amount,
		Filled:     rec.Status.Filled,
		FilledFee:  rec.Status.FilledFee,
		Status:     rec.Status.Tag.String(),
		LastOffset: rec.LastOffset,
	})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if !common.IsHexAddress(vars["address"]) {
		respondError(w, http.StatusBadRequest, "invalid address", "")
		return
	}
	addr := common.HexToAddress(vars["address"])
	actor := s.matcher.Get(addr)
	respondJSON(w, BalanceInfo{Address: addr.Hex(), Asset: vars["asset"], Reserved: actor.QueryBalance(vars["asset"])})
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	asset := mux.Vars(r)["asset"]
	rate, ok := s.rates.Get(asset)
	if !ok {
		respondError(w, http.StatusNotFound, "rate not set", asset)
		return
	}
	respondJSON(w, map[string]int64{"rate": rate})
}

// PushUpdates publishes an orderbook snapshot, and one trade update per
// fill, to every subscribed WebSocket client. Wired as the MatcherActor's
// notify callback by cmd/matcherd so OrderBookActor never depends on the
// API layer directly.
func (s *Server) PushUpdates(pair order.Pair, book *matching.OrderBook, fills []matching.Fill, ts int64) {
	update := OrderbookUpdate{
		Type:      "orderbook",
		Pair:      pair.String(),
		Bids:      toLevels(book.GetBidLevels()),
		Asks:      toLevels(book.GetAskLevels()),
		Timestamp: ts,
	}
	s.hub.BroadcastToChannel("orderbook:"+pair.String(), update)

	for _, f := range fills {
		s.hub.BroadcastToChannel("trades:"+pair.String(), TradeUpdate{
			Type:      "trade",
			Pair:      pair.String(),
			Price:     f.Price,
			Amount:    f.Amount,
			Timestamp: ts,
		})
	}
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, errMsg, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: errMsg, Message: message})
}

func respondRejected(w http.ResponseWriter, err error) {
	respondJSON(w, SubmitOrderResponse{Status: "Rejected", Message: err.Error()})
}
