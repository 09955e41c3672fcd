package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Broker defines the brokerage operations the pipeline consumes.
type Broker interface {
	// Market data
	GetQuotes(ctx context.Context, symbols []string) (map[string]Quote, error)

	// Account state
	GetPositions(ctx context.Context) ([]PositionItem, error)
	GetBalances(ctx context.Context) (*Balances, error)

	// Order submission. Never auto-retried: a retry after an ambiguous
	// network failure risks a duplicate live order.
	SubmitOrder(ctx context.Context, ticket *OrderTicket) (*OrderResult, error)
}

// Quote is a live bid/ask pair for one instrument.
type Quote struct {
	Symbol string  `json:"symbol"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
}

// PositionItem is one raw broker-reported option leg. Quantity is signed:
// negative denotes a short leg.
type PositionItem struct {
	Symbol           string  `json:"symbol"`
	UnderlyingSymbol string  `json:"underlying-symbol"`
	Quantity         float64 `json:"quantity"`
	StrikePrice      float64 `json:"strike-price,string"`
	CallOrPut        string  `json:"call-or-put"`
	AverageOpenPrice float64 `json:"average-open-price,string"`
	MarkPrice        float64 `json:"mark-price,string"`
	Multiplier       float64 `json:"multiplier"`
	ExpiresAt        string  `json:"expires-at"`
	CreatedAt        string  `json:"created-at"`
}

// Expiration parses the leg's expiry instant.
func (p *PositionItem) Expiration() (time.Time, error) {
	t, err := time.Parse(time.RFC3339, p.ExpiresAt)
	if err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", p.ExpiresAt)
}

// Balances is the account balance snapshot from the broker.
type Balances struct {
	BuyingPower         float64 `json:"buying-power,string"`
	NetLiquidatingValue float64 `json:"net-liquidating-value,string"`
	CashBalance         float64 `json:"cash-balance,string"`
}

// Order leg actions in the broker's vocabulary.
const (
	ActionSellToOpen  = "Sell to Open"
	ActionBuyToOpen   = "Buy to Open"
	ActionSellToClose = "Sell to Close"
	ActionBuyToClose  = "Buy to Close"
)

// Order types and price effects.
const (
	OrderTypeLimit  = "Limit"
	OrderTypeMarket = "Market"

	PriceEffectCredit = "Credit"
	PriceEffectDebit  = "Debit"

	TimeInForceDay = "Day"
)

// OrderLeg is one leg of a wire-level order. Symbol must be in the exact
// padded instrument format; the matching engine is whitespace-sensitive.
type OrderLeg struct {
	InstrumentType string `json:"instrument-type"`
	Symbol         string `json:"symbol"`
	Quantity       int    `json:"quantity"`
	Action         string `json:"action"`
}

// OrderTicket is the wire-level order request body.
type OrderTicket struct {
	TimeInForce string     `json:"time-in-force"`
	OrderType   string     `json:"order-type"`
	Price       float64    `json:"price,omitempty"`
	PriceEffect string     `json:"price-effect,omitempty"`
	Legs        []OrderLeg `json:"legs"`
}

// OrderResult is the accepted-order identity and status.
type OrderResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// ============ Response envelopes ============

type quotesResponse struct {
	Data struct {
		Items []Quote `json:"items"`
	} `json:"data"`
}

type positionsResponse struct {
	Data struct {
		Items []PositionItem `json:"items"`
	} `json:"data"`
}

type balancesResponse struct {
	Data Balances `json:"data"`
}

type orderResponse struct {
	Data struct {
		Order struct {
			ID     json.Number `json:"id"`
			Status string      `json:"status"`
		} `json:"order"`
	} `json:"data"`
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Errors  []struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"errors"`
	} `json:"error"`
}

// Client talks to the brokerage REST API using credentials from a Session.
type Client struct {
	httpClient *http.Client
	session    *Session
	logger     *logrus.Logger
	baseURL    string
	userAgent  string
}

// Ensure Client implements Broker at compile time.
var _ Broker = (*Client)(nil)

// NewClient creates a broker API client.
func NewClient(baseURL string, session *Session, userAgent string, timeout time.Duration, logger *logrus.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		session:    session,
		logger:     logger,
		baseURL:    strings.TrimRight(baseURL, "/"),
		userAgent:  userAgent,
	}
}

// GetQuotes fetches live bid/ask for the given instrument symbols.
func (c *Client) GetQuotes(ctx context.Context, symbols []string) (map[string]Quote, error) {
	if len(symbols) == 0 {
		return map[string]Quote{}, nil
	}
	params := url.Values{}
	params.Set("symbols", strings.Join(symbols, ","))

	var resp quotesResponse
	if err := c.do(ctx, http.MethodGet, "/market-data/quotes?"+params.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	quotes := make(map[string]Quote, len(resp.Data.Items))
	for _, q := range resp.Data.Items {
		quotes[strings.TrimRight(q.Symbol, " ")] = q
	}
	return quotes, nil
}

// GetPositions fetches the flat option leg list for the account. This is
// the position reconstruction engine's sole external input.
func (c *Client) GetPositions(ctx context.Context) ([]PositionItem, error) {
	path := fmt.Sprintf("/accounts/%s/positions", c.session.AccountID())
	var resp positionsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data.Items, nil
}

// GetBalances fetches the account balance snapshot.
func (c *Client) GetBalances(ctx context.Context) (*Balances, error) {
	path := fmt.Sprintf("/accounts/%s/balances", c.session.AccountID())
	var resp balancesResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// SubmitOrder posts one order. The caller owns retry policy; this method
// performs exactly one POST.
func (c *Client) SubmitOrder(ctx context.Context, ticket *OrderTicket) (*OrderResult, error) {
	if ticket == nil || len(ticket.Legs) == 0 {
		return nil, fmt.Errorf("submit order: ticket has no legs")
	}
	path := fmt.Sprintf("/accounts/%s/orders", c.session.AccountID())

	var resp orderResponse
	if err := c.do(ctx, http.MethodPost, path, ticket, &resp); err != nil {
		return nil, err
	}
	return &OrderResult{
		ID:     resp.Data.Order.ID.String(),
		Status: resp.Data.Order.Status,
	}, nil
}

// do executes one request with auth and the fixed client-identification
// header. A 401 invalidates the cached credential and retries once with a
// fresh one; all other failures surface to the caller.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	err := c.doOnce(ctx, method, path, body, out)
	if err != nil && IsAuthError(err) {
		c.logger.Debug("broker returned 401, refreshing credential and retrying once")
		c.session.Invalidate()
		err = c.doOnce(ctx, method, path, body, out)
	}
	return err
}

func (c *Client) doOnce(ctx context.Context, method, path string, body, out interface{}) error {
	token, err := c.session.Token(ctx)
	if err != nil {
		return fmt.Errorf("acquiring access credential: %w", err)
	}

	var reader io.Reader
	if body != nil {
		payload, merr := json.Marshal(body)
		if merr != nil {
			return fmt.Errorf("encoding request body: %w", merr)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	// The edge proxy rejects requests without this header; its absence is a
	// configuration defect, not a retryable fault.
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.WithError(cerr).Debug("failed to close response body")
		}
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 256<<10))
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "json") {
		c.logger.WithFields(logrus.Fields{
			"status":       resp.StatusCode,
			"content_type": ct,
			"path":         path,
		}).Error("broker returned non-JSON payload; check routing and client-identification header")
		return fmt.Errorf("%w: %s %s returned %s", ErrTransportShape, method, path, ct)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.parseError(resp.StatusCode, raw)
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decoding %s %s: %v", ErrTransportShape, method, path, err)
	}
	return nil
}

// parseError extracts the broker's error payload, handling both the single
// {error:{code,message}} shape and the preflight-validation errors array.
func (c *Client) parseError(status int, raw []byte) error {
	var env errorEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return &APIError{Status: status, Body: truncate(string(raw), 300)}
	}
	code := env.Error.Code
	message := env.Error.Message
	if len(env.Error.Errors) > 0 {
		code = env.Error.Errors[0].Code
		message = env.Error.Errors[0].Message
	}
	return &APIError{Status: status, Code: code, Body: message}
}
