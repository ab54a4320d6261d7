package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harmonymwirigi/patabasefiti-payments/transaction"
)

// newTestClient starts an httptest server that answers the OAuth endpoint
// itself and delegates everything else to handler.
func newTestClient(t *testing.T, handler http.HandlerFunc) (*HTTPClient, *httptest.Server) {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/oauth/v1/generate" {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(tokenResponse{AccessToken: "test-token", ExpiresIn: "3599"})

			return
		}

		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("unexpected authorization header: %q", got)
		}

		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	client := NewHTTPClient(Config{
		BaseURL:        srv.URL,
		ConsumerKey:    "key",
		ConsumerSecret: "secret",
		ShortCode:      "174379",
		Passkey:        "passkey",
		CallbackURL:    "https://example.com/v1/callbacks/mpesa",
		Timeout:        2 * time.Second,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  5 * time.Millisecond,
		MaxAttempts:    3,
	}, nil)

	return client, srv
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func TestInitiateAccepted(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, pathSTKPush, r.URL.Path)

		var req stkPushRequest

		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "174379", req.BusinessShortCode)
		assert.Equal(t, int64(500), req.Amount)
		assert.Equal(t, "254712345678", req.PhoneNumber)
		assert.NotEmpty(t, req.Password)

		writeJSON(w, http.StatusOK, stkPushResponse{
			CheckoutRequestID:   "ws_CO_123456789",
			ResponseCode:        "0",
			ResponseDescription: "Success. Request accepted for processing",
		})
	})

	result, err := client.Initiate(context.Background(), 500, "254712345678", "order-42")

	require.NoError(t, err)
	assert.Equal(t, "ws_CO_123456789", result.ExternalReference)
}

func TestInitiateRejected(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusBadRequest, apiError{
			ErrorCode:    "400.002.02",
			ErrorMessage: "Bad Request - Invalid PhoneNumber",
		})
	})

	_, err := client.Initiate(context.Background(), 500, "not-a-msisdn", "")

	require.ErrorIs(t, err, ErrRejected)
}

func TestInitiateRejectedByResponseCode(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, stkPushResponse{
			ResponseCode:        "1",
			ResponseDescription: "Unable to lock subscriber",
		})
	})

	_, err := client.Initiate(context.Background(), 500, "254712345678", "")

	require.ErrorIs(t, err, ErrRejected)
}

func TestInitiateRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	client, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			writeJSON(w, http.StatusInternalServerError, apiError{ErrorCode: "500.003.03", ErrorMessage: "Spike Arrest Violation"})
			return
		}

		writeJSON(w, http.StatusOK, stkPushResponse{
			CheckoutRequestID:   "ws_CO_retry",
			ResponseCode:        "0",
			ResponseDescription: "Accepted",
		})
	})

	result, err := client.Initiate(context.Background(), 100, "254712345678", "")

	require.NoError(t, err)
	assert.Equal(t, "ws_CO_retry", result.ExternalReference)
	assert.Equal(t, int32(2), calls.Load())
}

func TestInitiateUnavailableAfterRetryBudget(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	client, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusServiceUnavailable, apiError{ErrorCode: "503.02.01", ErrorMessage: "Service unavailable"})
	})

	_, err := client.Initiate(context.Background(), 100, "254712345678", "")

	require.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(3), calls.Load())
}

func TestInitiateRejectionIsNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	client, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusForbidden, apiError{ErrorCode: "403.001.01", ErrorMessage: "Access denied"})
	})

	_, err := client.Initiate(context.Background(), 100, "254712345678", "")

	require.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPollStatusOutcomes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		resultCode     string
		wantOutcome    transaction.Outcome
		wantConfidence transaction.Confidence
	}{
		{
			name:           "success",
			resultCode:     "0",
			wantOutcome:    transaction.OutcomeSuccess,
			wantConfidence: transaction.ConfidenceHigh,
		},
		{
			name:           "cancelled by user",
			resultCode:     "1032",
			wantOutcome:    transaction.OutcomeFailure,
			wantConfidence: transaction.ConfidenceHigh,
		},
		{
			name:           "timeout on handset",
			resultCode:     "1037",
			wantOutcome:    transaction.OutcomeFailure,
			wantConfidence: transaction.ConfidenceHigh,
		},
		{
			name:           "insufficient funds",
			resultCode:     "1",
			wantOutcome:    transaction.OutcomeFailure,
			wantConfidence: transaction.ConfidenceHigh,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, pathSTKQuery, r.URL.Path)

				writeJSON(w, http.StatusOK, stkQueryResponse{
					ResponseCode:      "0",
					CheckoutRequestID: "ws_CO_123",
					ResultCode:        tt.resultCode,
					ResultDesc:        "gateway description",
				})
			})

			result, err := client.PollStatus(context.Background(), "ws_CO_123")

			require.NoError(t, err)
			assert.Equal(t, tt.wantOutcome, result.Outcome)
			assert.Equal(t, tt.wantConfidence, result.Confidence)
			assert.Equal(t, tt.resultCode, result.ResultCode)
		})
	}
}

func TestPollStatusStillProcessing(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusInternalServerError, apiError{
			ErrorCode:    errCodeProcessing,
			ErrorMessage: "The transaction is being processed",
		})
	})

	result, err := client.PollStatus(context.Background(), "ws_CO_123")

	require.NoError(t, err)
	assert.Equal(t, transaction.OutcomeUnknown, result.Outcome)
	assert.Equal(t, transaction.ConfidenceLow, result.Confidence)
}

func TestPollStatusUnknownReference(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, apiError{
			ErrorCode:    "404.001.04",
			ErrorMessage: "Invalid CheckoutRequestID",
		})
	})

	_, err := client.PollStatus(context.Background(), "ws_CO_missing")

	require.ErrorIs(t, err, ErrNotFound)
}

func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	client, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusBadGateway, apiError{ErrorCode: "502.01.01", ErrorMessage: "Bad gateway"})
	})

	// Two initiations of three attempts each trip the five-failure
	// threshold; the sixth round-trip never reaches the server.
	_, err := client.Initiate(context.Background(), 100, "254712345678", "")
	require.ErrorIs(t, err, ErrUnavailable)

	_, err = client.Initiate(context.Background(), 100, "254712345678", "")
	require.ErrorIs(t, err, ErrUnavailable)

	assert.Equal(t, int32(5), calls.Load())
}

func TestTokenIsCachedAcrossCalls(t *testing.T) {
	t.Parallel()

	var pushCalls atomic.Int32

	var tokenCalls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/oauth/v1/generate" {
			tokenCalls.Add(1)
			writeJSON(w, http.StatusOK, tokenResponse{AccessToken: "cached-token", ExpiresIn: "3599"})

			return
		}

		pushCalls.Add(1)
		writeJSON(w, http.StatusOK, stkPushResponse{
			CheckoutRequestID: "ws_CO_cached",
			ResponseCode:      "0",
		})
	}))
	t.Cleanup(srv.Close)

	client := NewHTTPClient(Config{
		BaseURL:        srv.URL,
		ConsumerKey:    "key",
		ConsumerSecret: "secret",
		ShortCode:      "174379",
		Passkey:        "passkey",
	}, nil)

	for i := 0; i < 3; i++ {
		_, err := client.Initiate(context.Background(), 100, "254712345678", "")
		require.NoError(t, err)
	}

	assert.Equal(t, int32(3), pushCalls.Load())
	assert.Equal(t, int32(1), tokenCalls.Load())
}
