package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/meshcompute/meshd/internal/core/domain"
	"github.com/meshcompute/meshd/internal/core/ports"
)

// Client talks to the wallet daemon's REST API. The daemon owns the keys and
// the channel state; this process only creates invoices, pays, and observes
// settlements.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

var _ ports.PaymentGateway = (*Client)(nil)

func NewClient(baseURL, apiKey string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:9737"
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type createInvoiceRequest struct {
	AmountMsat int64  `json:"amount_msat"`
	Memo       string `json:"memo,omitempty"`
	TTLSeconds int64  `json:"ttl_seconds"`
}

type invoiceResponse struct {
	PaymentRequest string    `json:"payment_request"`
	PaymentHash    string    `json:"payment_hash"`
	AmountMsat     int64     `json:"amount_msat"`
	ExpiresAt      time.Time `json:"expires_at"`
}

func (c *Client) CreateInvoice(ctx context.Context, amountMsat int64, memo string, ttl time.Duration) (ports.GatewayInvoice, error) {
	var out invoiceResponse
	err := c.post(ctx, "/v1/invoices", createInvoiceRequest{
		AmountMsat: amountMsat,
		Memo:       memo,
		TTLSeconds: int64(ttl.Seconds()),
	}, &out)
	if err != nil {
		return ports.GatewayInvoice{}, c.backendErr("create_invoice", err)
	}
	return ports.GatewayInvoice{
		PaymentRequest: out.PaymentRequest,
		PaymentHash:    domain.PaymentHash(out.PaymentHash),
		AmountMsat:     out.AmountMsat,
		ExpiresAt:      out.ExpiresAt,
	}, nil
}

type paymentResponse struct {
	PaymentHash string    `json:"payment_hash"`
	AmountMsat  int64     `json:"amount_msat"`
	SettledAt   time.Time `json:"settled_at"`
}

func (p paymentResponse) observation() domain.PaymentObservation {
	return domain.PaymentObservation{
		PaymentHash: domain.PaymentHash(p.PaymentHash),
		AmountMsat:  p.AmountMsat,
		SettledAt:   p.SettledAt,
	}
}

func (c *Client) ListRecentPayments(ctx context.Context, since time.Time) ([]domain.PaymentObservation, error) {
	q := url.Values{"since": {strconv.FormatInt(since.Unix(), 10)}}
	var out []paymentResponse
	if err := c.get(ctx, "/v1/payments?"+q.Encode(), &out); err != nil {
		return nil, c.backendErr("list_payments", err)
	}
	obs := make([]domain.PaymentObservation, 0, len(out))
	for _, p := range out {
		obs = append(obs, p.observation())
	}
	return obs, nil
}

type sendPaymentRequest struct {
	PaymentRequest string `json:"payment_request"`
}

func (c *Client) SendPayment(ctx context.Context, paymentRequest string) (domain.PaymentObservation, error) {
	var out paymentResponse
	err := c.post(ctx, "/v1/payments", sendPaymentRequest{PaymentRequest: paymentRequest}, &out)
	if err != nil {
		return domain.PaymentObservation{}, c.backendErr("send_payment", err)
	}
	return out.observation(), nil
}

func (c *Client) Balance(ctx context.Context) (int64, error) {
	var out struct {
		BalanceMsat int64 `json:"balance_msat"`
	}
	if err := c.get(ctx, "/v1/balance", &out); err != nil {
		return 0, c.backendErr("balance", err)
	}
	return out.BalanceMsat, nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("wallet daemon unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("wallet daemon returned %d: %s", resp.StatusCode, string(body))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) backendErr(op string, err error) error {
	return &domain.BackendError{Backend: "wallet", Kind: domain.JobKind(op), Err: err}
}
