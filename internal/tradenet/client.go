package tradenet

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"

	"escrow-engine/internal/model"

	"github.com/goccy/go-json"
)

// HTTPClient talks to the trading network's HTTP gateway.
type HTTPClient struct {
	base   string
	apiKey string
	hc     *http.Client
	now    func() time.Time
}

var _ Network = (*HTTPClient)(nil)

// NewHTTPClient creates a client for the gateway at base.
func NewHTTPClient(base, apiKey string, timeout time.Duration) *HTTPClient {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{
		base:   base,
		apiKey: apiKey,
		hc:     &http.Client{Timeout: timeout},
		now:    time.Now,
	}
}

// Login authenticates a bot and returns its session.
func (c *HTTPClient) Login(ctx context.Context, botID string, creds Credentials) (*Auth, error) {
	code, err := GuardCode(creds.SharedSecret, c.now())
	if err != nil {
		return nil, err
	}

	body := map[string]string{
		"account_name": creds.AccountName,
		"password":     creds.Password,
		"guard_code":   code,
	}
	var out struct {
		Token     string `json:"token"`
		TradeURL  string `json:"trade_url"`
		ExpiresIn int64  `json:"expires_in"`
	}
	if err := c.do(ctx, "login", http.MethodPost, "/v1/login", nil, body, &out); err != nil {
		return nil, err
	}
	return &Auth{
		BotID:     botID,
		Token:     out.Token,
		TradeURL:  out.TradeURL,
		ExpiresAt: c.now().Add(time.Duration(out.ExpiresIn) * time.Second),
	}, nil
}

// Inventory lists the bot's tradable items for appID.
func (c *HTTPClient) Inventory(ctx context.Context, auth *Auth, appID int) ([]model.Item, error) {
	q := url.Values{}
	q.Set("app_id", strconv.Itoa(appID))

	var out struct {
		Items []model.Item `json:"items"`
	}
	if err := c.do(ctx, "inventory", http.MethodGet, "/v1/inventory?"+q.Encode(), auth, nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// CreateOffer sends a trade offer and returns its id.
func (c *HTTPClient) CreateOffer(ctx context.Context, auth *Auth, req OfferRequest) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, "create_offer", http.MethodPost, "/v1/offers", auth, req, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", &Error{Op: "create_offer", Kind: ErrNetwork, Body: "empty offer id"}
	}
	return out.ID, nil
}

// ConfirmOffer submits the mobile confirmation for an offer.
func (c *HTTPClient) ConfirmOffer(ctx context.Context, auth *Auth, offerID string, proof Confirmation) error {
	path := "/v1/offers/" + url.PathEscape(offerID) + "/confirm"
	err := c.do(ctx, "confirm_offer", http.MethodPost, path, auth, proof, nil)
	var te *Error
	if errors.As(err, &te) && errors.Is(te.Kind, ErrAuth) {
		// The session is fine; the proof was refused.
		te.Kind = ErrConfirmation
	}
	return err
}

// OfferStatus returns the remote state of an offer.
func (c *HTTPClient) OfferStatus(ctx context.Context, auth *Auth, offerID string) (*Offer, error) {
	var out Offer
	if err := c.do(ctx, "offer_status", http.MethodGet, "/v1/offers/"+url.PathEscape(offerID), auth, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelOffer withdraws a sent offer.
func (c *HTTPClient) CancelOffer(ctx context.Context, auth *Auth, offerID string) error {
	path := "/v1/offers/" + url.PathEscape(offerID) + "/cancel"
	return c.do(ctx, "cancel_offer", http.MethodPost, path, auth, nil, nil)
}

func (c *HTTPClient) do(ctx context.Context, op, method, path string, auth *Auth, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("tradenet %s: encode: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("tradenet %s: new request: %w", op, err)
	}
	req.Header.Set("User-Agent", "escrow-engine/tradenet")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	if auth != nil {
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	}

	res, err := c.hc.Do(req)
	if err != nil {
		return classifyTransport(op, err)
	}
	defer res.Body.Close()

	if res.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		return &Error{Op: op, Status: res.StatusCode, Body: strings.TrimSpace(string(b)), Kind: classifyStatus(res.StatusCode)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return &Error{Op: op, Kind: ErrNetwork, Body: "decode: " + err.Error()}
	}
	return nil
}

func classifyStatus(code int) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ErrAuth
	case code == http.StatusTooManyRequests,
		code == http.StatusBadGateway,
		code == http.StatusServiceUnavailable,
		code == http.StatusGatewayTimeout:
		return ErrTransient
	case code >= 400 && code < 500:
		return ErrRejected
	default:
		return ErrNetwork
	}
}

func classifyTransport(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Op: op, Kind: ErrTimeout, Body: err.Error()}
	}
	var ue *url.Error
	if errors.As(err, &ue) && ue.Timeout() {
		return &Error{Op: op, Kind: ErrTimeout, Body: err.Error()}
	}
	if unreached(err) {
		return &Error{Op: op, Kind: ErrTransient, Body: err.Error()}
	}
	return &Error{Op: op, Kind: ErrNetwork, Body: err.Error()}
}

// unreached reports whether the request failed before the gateway could see
// it, which makes a retry safe even for offer creation.
func unreached(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}
