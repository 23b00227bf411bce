package payment_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airxtech/newfinal-sub000/internal/payment"
)

func TestHTTPSource_Transfers(t *testing.T) {
	since := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transfers", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("x-api-key"))
		assert.Equal(t, "2026-03-01T12:00:00Z", r.URL.Query().Get("since"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[
			{"id":"1","payment_id":"pay-1","payment_status":"finished","payer":"0xa","pay_address":"0xWallet","actually_paid":"10.1","updated_at":"2026-03-01T12:01:00Z"},
			{"id":"2","payment_id":"pay-2","payment_status":"waiting","payer":"0xb","pay_address":"0xWallet","actually_paid":"0","updated_at":"2026-03-01T12:02:00Z"},
			{"id":"3","payment_status":"CONFIRMED","payer":"0xc","pay_address":"0xWallet","actually_paid":"0.5","updated_at":"2026-03-01T12:03:00Z"}
		]}`))
	}))
	defer srv.Close()

	src := payment.NewHTTPSource(payment.HTTPSourceConfig{BaseURL: srv.URL + "/", APIKey: "secret", RateLimit: 10})
	got, err := src.Transfers(context.Background(), since)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "pay-1", got[0].ExternalPaymentID)
	assert.Equal(t, "0xWallet", got[0].Recipient)
	assert.True(t, got[0].Amount.Equal(d("10.1")))
	assert.True(t, since.Add(time.Minute).Equal(got[0].ConfirmedAt))

	// Falls back to the transfer id.
	assert.Equal(t, "3", got[1].ExternalPaymentID)
}

func TestHTTPSource_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	src := payment.NewHTTPSource(payment.HTTPSourceConfig{BaseURL: srv.URL})
	_, err := src.Transfers(context.Background(), time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=502")
}

func TestHTTPSource_SkipsMalformedTransfers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data":[
			{"id":"1","payment_status":"paid","pay_address":"0xWallet","actually_paid":"ten","updated_at":"2026-03-01T12:01:00Z"},
			{"id":"2","payment_status":"paid","pay_address":"0xWallet","actually_paid":"0.5","updated_at":"2026-03-01T12:02:00Z"},
			{"id":"3","payment_status":"paid","pay_address":"0xWallet","actually_paid":"0.7","updated_at":"yesterday"},
			{"id":"4","payment_status":"paid","pay_address":"0xWallet","actually_paid":"0.9","updated_at":"2026-03-01T12:04:00Z"}
		]}`))
	}))
	defer srv.Close()

	src := payment.NewHTTPSource(payment.HTTPSourceConfig{BaseURL: srv.URL})
	got, err := src.Transfers(context.Background(), time.Now())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "2", got[0].ExternalPaymentID)
	assert.Equal(t, "4", got[1].ExternalPaymentID)
	assert.True(t, got[1].Amount.Equal(d("0.9")))
}
