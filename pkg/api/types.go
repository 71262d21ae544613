package api

// API response types for the REST and WebSocket surface.

// PairInfo describes one known asset pair and its current matching rule.
type PairInfo struct {
	AmountAsset string `json:"amountAsset"`
	PriceAsset  string `json:"priceAsset"`
	TickMode    string `json:"tickMode"` // "Disabled" or "Enabled"
	Tick        int64  `json:"tick,omitempty"`
}

// OrderbookSnapshot represents the current resting-order state of a pair.
type OrderbookSnapshot struct {
	Pair      string       `json:"pair"`
	Bids      []PriceLevel `json:"bids"` // sorted high to low
	Asks      []PriceLevel `json:"asks"` // sorted low to high
	Timestamp int64        `json:"timestamp"`
}

// PriceLevel is a [price, amount] aggregate at one bucket.
type PriceLevel struct {
	Price  int64 `json:"price"`
	Amount int64 `json:"amount"`
}

// OrderInfo reports an order's lifecycle state for status queries.
type OrderInfo struct {
	ID         string `json:"id"`
	Pair       string `json:"pair"`
	Side       string `json:"side"`
	Price      int64  `json:"price"`
	Amount     int64  `json:"amount"`
	Filled     int64  `json:"filled"`
	FilledFee  int64  `json:"filledFee"`
	Status     string `json:"status"`
	LastOffset uint64 `json:"lastOffset"`
}

// BalanceInfo reports one address's reserved balance in one asset.
type BalanceInfo struct {
	Address string `json:"address"`
	Asset   string `json:"asset"`
	Reserved int64 `json:"reserved"`
}

// MatcherStatus reports the coordinator's startup/ready state.
type MatcherStatus struct {
	Status string `json:"status"` // "Starting" or "Ready"
}

// WSMessage is the base envelope for all WebSocket push messages.
type WSMessage struct {
	Type string      `json:"type"` // "orderbook", "trade"
	Data interface{} `json:"data"`
}

// WSSubscribeRequest is sent by a client to (un)subscribe to channels.
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}

// OrderbookUpdate is pushed on every applied event that touches a pair's book.
type OrderbookUpdate struct {
	Type      string       `json:"type"`
	Pair      string       `json:"pair"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp int64        `json:"timestamp"`
}

// TradeUpdate is pushed whenever a fill crosses the book.
type TradeUpdate struct {
	Type      string `json:"type"`
	Pair      string `json:"pair"`
	Price     int64  `json:"price"`
	Amount    int64  `json:"amount"`
	Side      string `json:"side"` // taker side
	Timestamp int64  `json:"timestamp"`
}

// PlaceOrderRequest is the payload for POST /api/v1/orders: a signed,
// EIP-712-typed order exactly as produced by cmd/sign-order.
type PlaceOrderRequest struct {
	ID          string `json:"id"`
	Owner       string `json:"owner"`
	AmountAsset string `json:"amountAsset"`
	PriceAsset  string `json:"priceAsset"`
	Side        string `json:"side"`
	Amount      int64  `json:"amount"`
	Price       int64  `json:"price"`
	MatcherFee  int64  `json:"matcherFee"`
	FeeAsset    string `json:"feeAsset"`
	Timestamp   int64  `json:"timestamp"`
	Expiration  int64  `json:"expiration"`
	Version     uint8  `json:"version"`
	Signature   string `json:"signature"` // hex-encoded
}

// CancelOrderRequest is the payload for POST /api/v1/orders/cancel.
type CancelOrderRequest struct {
	OrderID   string `json:"orderId"`
	Address   string `json:"address"`
	Signature string `json:"signature"` // hex-encoded
}

// SubmitOrderResponse is returned from order placement.
type SubmitOrderResponse struct {
	Status  string `json:"status"` // "Accepted" or "Rejected"
	OrderID string `json:"orderId"`
	Message string `json:"message,omitempty"`
}

// ErrorResponse is returned for all non-2xx responses.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
