// Package broker provides the gateway used by the condor engine: option
// chains, positions, quotes and multileg order management over the Tradier
// REST API, plus a circuit-breaking wrapper.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrUnsupported is returned for requests the Tradier API cannot serve, such
// as options on futures.
var ErrUnsupported = errors.New("unsupported by broker")

// APIError represents an API error with status code and response body
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// IsPermanent reports whether err is a 4xx API error other than 429.
func IsPermanent(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 400 && apiErr.Status < 500 && apiErr.Status != http.StatusTooManyRequests
	}
	return false
}

// TradierAPI is a thin client for the Tradier REST endpoints the engine uses.
type TradierAPI struct {
	client    *http.Client
	logger    logrus.FieldLogger
	apiKey    string
	baseURL   string
	accountID string
	sandbox   bool
}

const defaultHTTPTimeout = 10 * time.Second

// NewTradierAPI creates a client for the production or sandbox API.
func NewTradierAPI(apiKey, accountID string, sandbox bool) *TradierAPI {
	return NewTradierAPIWithBaseURL(apiKey, accountID, sandbox, "")
}

// NewTradierAPIWithBaseURL creates a client against baseURL, or the default
// endpoint for the sandbox flag when baseURL is empty.
func NewTradierAPIWithBaseURL(apiKey, accountID string, sandbox bool, baseURL string) *TradierAPI {
	if baseURL == "" {
		if sandbox {
			baseURL = "https://sandbox.tradier.com/v1"
		} else {
			baseURL = "https://api.tradier.com/v1"
		}
	}
	return &TradierAPI{
		apiKey:    apiKey,
		baseURL:   strings.TrimRight(baseURL, "/"),
		accountID: accountID,
		client:    &http.Client{Timeout: defaultHTTPTimeout},
		logger:    logrus.StandardLogger(),
		sandbox:   sandbox,
	}
}

// WithHTTPClient allows overriding the HTTP client (tests, custom transport).
func (t *TradierAPI) WithHTTPClient(c *http.Client) *TradierAPI {
	if c != nil {
		t.client = c
	}
	return t
}

// WithTimeout sets the HTTP client timeout.
func (t *TradierAPI) WithTimeout(timeout time.Duration) *TradierAPI {
	if timeout > 0 && t.client != nil {
		t.client.Timeout = timeout
	}
	return t
}

// WithLogger sets the logger used for request diagnostics.
func (t *TradierAPI) WithLogger(l logrus.FieldLogger) *TradierAPI {
	if l != nil {
		t.logger = l
	}
	return t
}

// ============ API response structures ============

// singleOrArray decodes Tradier fields that hold either one object or a list.
type singleOrArray[T any] []T

func (s *singleOrArray[T]) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) || bytes.Equal(b, []byte(`"null"`)) {
		return nil
	}
	if b[0] == '[' {
		return json.Unmarshal(b, (*[]T)(s))
	}
	var one T
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	*s = append(*s, one)
	return nil
}

// OptionChainResponse represents the API response for option chain requests.
type OptionChainResponse struct {
	Options nullableObject[struct {
		Option singleOrArray[Option] `json:"option"`
	}] `json:"options"`
}

// nullableObject tolerates Tradier's habit of sending "null" for empty objects.
type nullableObject[T any] struct {
	Value T
}

func (n *nullableObject[T]) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	if bytes.Equal(trimmed, []byte(`null`)) || bytes.Equal(trimmed, []byte(`"null"`)) {
		return nil
	}
	return json.Unmarshal(b, &n.Value)
}

// Option represents an option contract from the Tradier API.
type Option struct {
	Greeks         *Greeks  `json:"greeks,omitempty"`
	Symbol         string   `json:"symbol"`
	Description    string   `json:"description"`
	OptionType     string   `json:"option_type"`
	ExpirationDate string   `json:"expiration_date"`
	Underlying     string   `json:"underlying"`
	RootSymbol     string   `json:"root_symbol"`
	Bid            *float64 `json:"bid"`
	Ask            *float64 `json:"ask"`
	Last           *float64 `json:"last"`
	BidSize        int      `json:"bidsize"`
	AskSize        int      `json:"asksize"`
	Volume         int64    `json:"volume"`
	OpenInterest   int64    `json:"open_interest"`
	Strike         float64  `json:"strike"`
}

// Greeks contains option greeks from the Tradier API.
type Greeks struct {
	UpdatedAt string  `json:"updated_at"`
	Delta     float64 `json:"delta"`
	Gamma     float64 `json:"gamma"`
	Theta     float64 `json:"theta"`
	Vega      float64 `json:"vega"`
	BidIV     float64 `json:"bid_iv"`
	MidIV     float64 `json:"mid_iv"`
	AskIV     float64 `json:"ask_iv"`
	SmvVol    float64 `json:"smv_vol"`
}

// PositionsResponse represents the positions response from the Tradier API.
type PositionsResponse struct {
	Positions nullableObject[struct {
		Position singleOrArray[PositionItem] `json:"position"`
	}] `json:"positions"`
}

// PositionItem represents a single position item from the Tradier API.
type PositionItem struct {
	DateAcquired string  `json:"date_acquired"`
	Symbol       string  `json:"symbol"`
	CostBasis    float64 `json:"cost_basis"`
	ID           int     `json:"id"`
	Quantity     float64 `json:"quantity"`
}

// QuotesResponse represents the quotes response from the Tradier API.
type QuotesResponse struct {
	Quotes struct {
		Quote     singleOrArray[QuoteItem] `json:"quote"`
		Unmatched nullableObject[struct {
			Symbol singleOrArray[string] `json:"symbol"`
		}] `json:"unmatched_symbols"`
	} `json:"quotes"`
}

// QuoteItem represents a single quote item from the Tradier API.
type QuoteItem struct {
	Symbol    string   `json:"symbol"`
	Type      string   `json:"type"`
	Last      *float64 `json:"last"`
	Bid       *float64 `json:"bid"`
	Ask       *float64 `json:"ask"`
	Open      *float64 `json:"open"`
	High      *float64 `json:"high"`
	Low       *float64 `json:"low"`
	PrevClose *float64 `json:"prevclose"`
}

// OrderResponse represents the order response from the Tradier API.
type OrderResponse struct {
	Order struct {
		CreateDate        string  `json:"create_date"`
		Type              string  `json:"type"`
		Symbol            string  `json:"symbol"`
		Side              string  `json:"side"`
		Class             string  `json:"class"`
		Status            string  `json:"status"`
		Duration          string  `json:"duration"`
		Tag               string  `json:"tag"`
		AvgFillPrice      float64 `json:"avg_fill_price"`
		ExecQuantity      float64 `json:"exec_quantity"`
		RemainingQuantity float64 `json:"remaining_quantity"`
		ID                int     `json:"id"`
		Price             float64 `json:"price"`
		Quantity          float64 `json:"quantity"`
	} `json:"order"`
}

// TimeSalesResponse represents the intraday time and sales series.
type TimeSalesResponse struct {
	Series nullableObject[struct {
		Data singleOrArray[TimeSalesPoint] `json:"data"`
	}] `json:"series"`
}

// TimeSalesPoint is one interval of the time and sales series.
type TimeSalesPoint struct {
	Time   string  `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
}

// ============ API methods ============

// GetQuoteCtx retrieves the current quote for a symbol.
func (t *TradierAPI) GetQuoteCtx(ctx context.Context, symbol string) (*QuoteItem, error) {
	params := url.Values{}
	params.Set("symbols", symbol)
	params.Set("greeks", "false")

	var response QuotesResponse
	if err := t.makeRequestCtx(ctx, http.MethodGet, t.baseURL+"/markets/quotes?"+params.Encode(), nil, &response); err != nil {
		return nil, err
	}
	if len(response.Quotes.Quote) == 0 {
		return nil, fmt.Errorf("no quote for %s", symbol)
	}
	return &response.Quotes.Quote[0], nil
}

// GetOptionChainCtx retrieves the option chain for one expiration.
func (t *TradierAPI) GetOptionChainCtx(ctx context.Context, symbol, expiration string, greeks bool) ([]Option, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("expiration", expiration)
	if greeks {
		params.Set("greeks", "true")
	}

	var response OptionChainResponse
	if err := t.makeRequestCtx(ctx, http.MethodGet, t.baseURL+"/markets/options/chains?"+params.Encode(), nil, &response); err != nil {
		return nil, err
	}
	return response.Options.Value.Option, nil
}

// GetPositionsCtx retrieves every open position on the account.
func (t *TradierAPI) GetPositionsCtx(ctx context.Context) ([]PositionItem, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/positions", t.baseURL, t.accountID)
	var response PositionsResponse
	if err := t.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}
	return response.Positions.Value.Position, nil
}

// GetOrderStatusCtx retrieves an order by ID.
func (t *TradierAPI) GetOrderStatusCtx(ctx context.Context, orderID int) (*OrderResponse, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/orders/%d", t.baseURL, t.accountID, orderID)
	var response OrderResponse
	if err := t.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// MultilegLeg is one leg of a multileg order.
type MultilegLeg struct {
	OptionSymbol string
	Side         string // buy_to_open, sell_to_open, ...
	Quantity     int
}

// MultilegOrder is a Tradier multileg order. Type is credit, debit, even or
// market; Price is ignored for market orders.
type MultilegOrder struct {
	Symbol   string
	Type     string
	Duration string
	Tag      string
	Legs     []MultilegLeg
	Price    float64
	Preview  bool
}

// PlaceMultilegOrderCtx submits a multileg order.
func (t *TradierAPI) PlaceMultilegOrderCtx(ctx context.Context, order MultilegOrder) (*OrderResponse, error) {
	if len(order.Legs) < 2 {
		return nil, fmt.Errorf("multileg order needs at least two legs, got %d", len(order.Legs))
	}
	duration, err := normalizeDuration(order.Duration)
	if err != nil {
		return nil, err
	}
	switch order.Type {
	case "credit", "debit", "even":
		if order.Type != "even" && order.Price <= 0 {
			return nil, fmt.Errorf("invalid %s price: %.2f (must be > 0)", order.Type, order.Price)
		}
	case "market":
	default:
		return nil, fmt.Errorf("invalid multileg order type %q", order.Type)
	}

	params := url.Values{}
	params.Add("class", "multileg")
	params.Add("symbol", order.Symbol)
	params.Add("type", order.Type)
	params.Add("duration", duration)
	if order.Type == "credit" || order.Type == "debit" {
		params.Add("price", fmt.Sprintf("%.2f", order.Price))
	}
	if order.Preview {
		params.Add("preview", "true")
	}
	if tag := sanitizeTag(order.Tag); tag != "" {
		params.Add("tag", tag)
	}
	for i, leg := range order.Legs {
		if leg.Quantity <= 0 {
			return nil, fmt.Errorf("invalid quantity %d on leg %d", leg.Quantity, i)
		}
		params.Add(fmt.Sprintf("option_symbol[%d]", i), leg.OptionSymbol)
		params.Add(fmt.Sprintf("side[%d]", i), leg.Side)
		params.Add(fmt.Sprintf("quantity[%d]", i), fmt.Sprintf("%d", leg.Quantity))
	}

	endpoint := fmt.Sprintf("%s/accounts/%s/orders", t.baseURL, t.accountID)
	var response OrderResponse
	if err := t.makeRequestCtx(ctx, http.MethodPost, endpoint, params, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// ModifyOrderCtx changes the limit price of a working order.
func (t *TradierAPI) ModifyOrderCtx(ctx context.Context, orderID int, price float64) (*OrderResponse, error) {
	if price <= 0 {
		return nil, fmt.Errorf("invalid price: %.2f (must be > 0)", price)
	}
	params := url.Values{}
	params.Add("price", fmt.Sprintf("%.2f", price))

	endpoint := fmt.Sprintf("%s/accounts/%s/orders/%d", t.baseURL, t.accountID, orderID)
	var response OrderResponse
	if err := t.makeRequestCtx(ctx, http.MethodPut, endpoint, params, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// CancelOrderCtx cancels a working order.
func (t *TradierAPI) CancelOrderCtx(ctx context.Context, orderID int) (*OrderResponse, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/orders/%d", t.baseURL, t.accountID, orderID)
	var response OrderResponse
	if err := t.makeRequestCtx(ctx, http.MethodDelete, endpoint, nil, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// timeSalesLayout is the start/end format of the timesales endpoint.
const timeSalesLayout = "2006-01-02 15:04"

// GetTimeSalesCtx retrieves intraday bars between start and end, which are
// interpreted in the exchange's local time.
func (t *TradierAPI) GetTimeSalesCtx(ctx context.Context, symbol, interval string, start, end time.Time) ([]TimeSalesPoint, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("start", start.Format(timeSalesLayout))
	params.Set("end", end.Format(timeSalesLayout))
	params.Set("session_filter", "open")

	var response TimeSalesResponse
	if err := t.makeRequestCtx(ctx, http.MethodGet, t.baseURL+"/markets/timesales?"+params.Encode(), nil, &response); err != nil {
		return nil, err
	}
	return response.Series.Value.Data, nil
}

// normalizeDuration maps duration spellings onto the values Tradier accepts.
func normalizeDuration(duration string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(duration)) {
	case "", "day":
		return "day", nil
	case "gtc", "good-til-cancelled", "good-till-cancelled":
		return "gtc", nil
	case "pre", "premarket", "pre-market":
		return "pre", nil
	case "post", "postmarket", "post-market":
		return "post", nil
	default:
		return "", fmt.Errorf("invalid duration '%s': must be one of 'day', 'gtc', 'pre', or 'post'", duration)
	}
}

// sanitizeTag keeps the characters Tradier accepts in order tags.
func sanitizeTag(tag string) string {
	var b strings.Builder
	for _, r := range tag {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		case r == '_' || r == ' ' || r == '.':
			b.WriteRune('-')
		}
	}
	out := b.String()
	if len(out) > 255 {
		out = out[:255]
	}
	return out
}

// makeRequestCtx performs one API call and decodes the JSON body into response.
func (t *TradierAPI) makeRequestCtx(ctx context.Context, method, endpoint string,
	params url.Values, response interface{}) error {
	var req *http.Request
	var err error

	if (method == http.MethodPost || method == http.MethodPut) && params != nil {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(params.Encode()))
		if err != nil {
			return err
		}
		req.Header.Add("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, http.NoBody)
		if err != nil {
			return err
		}
	}

	req.Header.Add("Authorization", "Bearer "+t.apiKey)
	req.Header.Add("Accept", "application/json")
	req.Header.Add("User-Agent", "condorbot/1.0 (+tradier)")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			t.logger.WithError(err).Warn("Failed to close response body")
		}
	}()

	if remaining := rateLimitRemaining(resp.Header); remaining != "" && t.sandbox {
		t.logger.WithField("remaining", remaining).Debug("Rate limit")
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated &&
		resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusNoContent {
		body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10)) // 64KB cap
		if err != nil {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> failed to read error body", method, endpoint)}
		}
		ct := resp.Header.Get("Content-Type")
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s (%s) -> %s (retry-after: %s)", method, endpoint, ct, string(body), ra)}
		}
		return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s (%s) -> %s", method, endpoint, ct, string(body))}
	}

	if resp.StatusCode == http.StatusNoContent || response == nil {
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(response); err != nil && err != io.EOF {
		return err
	}
	return nil
}

func rateLimitRemaining(h http.Header) string {
	for _, k := range []string{"X-Ratelimit-Available", "X-RateLimit-Remaining"} {
		if v := h.Get(k); v != "" {
			return v
		}
	}
	return ""
}
