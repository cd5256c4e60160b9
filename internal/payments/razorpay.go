package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const DefaultRazorpayURL = "https://api.razorpay.com"

// Razorpay creates orders through the Razorpay Orders API.
type Razorpay struct {
	KeyID     string
	KeySecret string
	BaseURL   string
	Client    *http.Client
}

func NewRazorpay(keyID, keySecret, baseURL string) *Razorpay {
	if baseURL == "" {
		baseURL = DefaultRazorpayURL
	}
	return &Razorpay{
		KeyID:     keyID,
		KeySecret: keySecret,
		BaseURL:   strings.TrimRight(baseURL, "/"),
		Client:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (r *Razorpay) Name() string     { return "razorpay" }
func (r *Razorpay) Configured() bool { return r.KeyID != "" && r.KeySecret != "" }

type razorpayOrder struct {
	Amount   int64          `json:"amount"`
	Currency string         `json:"currency"`
	Receipt  string         `json:"receipt"`
	Notes    map[string]any `json:"notes"`
}

func (r *Razorpay) CreateOrder(ctx context.Context, req OrderRequest) (json.RawMessage, error) {
	if !r.Configured() {
		return nil, ErrNotConfigured
	}
	body := razorpayOrder{Amount: req.Amount, Currency: req.Currency, Receipt: req.Receipt, Notes: req.Notes}
	if body.Currency == "" {
		body.Currency = DefaultCurrency
	}
	if body.Notes == nil {
		body.Notes = map[string]any{}
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.BaseURL+"/v1/orders", bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	httpReq.SetBasicAuth(r.KeyID, r.KeySecret)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.Client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("razorpay create order: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("razorpay read response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, &UpstreamError{Provider: r.Name(), Status: resp.StatusCode, Body: rawOrString(data)}
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("razorpay returned invalid json")
	}
	return json.RawMessage(data), nil
}
