package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// Source reports confirmed transfers to the platform wallet.
type Source interface {
	// Transfers returns transfers confirmed at or after since.
	Transfers(ctx context.Context, since time.Time) ([]ObservedPayment, error)
}

// HTTPSourceConfig configures the invoicing API client.
type HTTPSourceConfig struct {
	BaseURL   string
	APIKey    string
	RateLimit float64 // requests per second, 0 disables limiting
	Timeout   time.Duration
}

// HTTPSource polls an invoicing API for settled transfers.
type HTTPSource struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
}

// transfer is the wire shape of one settled transfer.
type transfer struct {
	ID          string `json:"id"`
	PaymentID   string `json:"payment_id"`
	Status      string `json:"payment_status"`
	Payer       string `json:"payer"`
	Recipient   string `json:"pay_address"`
	Amount      string `json:"actually_paid"`
	ConfirmedAt string `json:"updated_at"`
}

type transfersPage struct {
	Data []transfer `json:"data"`
}

// settled reports whether the transfer reached a final paid state.
func (t *transfer) settled() bool {
	switch strings.ToLower(strings.TrimSpace(t.Status)) {
	case "finished", "confirmed", "completed", "paid":
		return true
	}
	return false
}

// NewHTTPSource constructs an API client.
func NewHTTPSource(cfg HTTPSourceConfig) *HTTPSource {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	return &HTTPSource{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, 1),
	}
}

func (s *HTTPSource) Transfers(ctx context.Context, since time.Time) ([]ObservedPayment, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("since", since.UTC().Format(time.RFC3339))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/transfers?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-api-key", s.apiKey)

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("payment source /transfers failed: status=%d", resp.StatusCode)
	}

	var page transfersPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode transfers: %w", err)
	}

	out := make([]ObservedPayment, 0, len(page.Data))
	for _, t := range page.Data {
		if !t.settled() {
			continue
		}
		// One bad record must not hide the rest of the page.
		amount, err := decimal.NewFromString(t.Amount)
		if err != nil {
			slog.Warn("skipping malformed transfer", "transfer", t.ID, "amount", t.Amount, "err", err)
			continue
		}
		at, err := time.Parse(time.RFC3339, t.ConfirmedAt)
		if err != nil {
			slog.Warn("skipping malformed transfer", "transfer", t.ID, "confirmed_at", t.ConfirmedAt, "err", err)
			continue
		}
		id := t.PaymentID
		if id == "" {
			id = t.ID
		}
		out = append(out, ObservedPayment{
			ExternalPaymentID: id,
			Payer:             t.Payer,
			Recipient:         t.Recipient,
			Amount:            amount,
			ConfirmedAt:       at.UTC(),
		})
	}
	return out, nil
}
