package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/harmonymwirigi/patabasefiti-payments/backoff"
	"github.com/harmonymwirigi/patabasefiti-payments/log"
	"github.com/harmonymwirigi/patabasefiti-payments/transaction"
)

// Gateway error taxonomy.
var (
	// ErrUnavailable is transient: the gateway could not be reached or
	// answered with a server-side failure, and the bounded retry budget is
	// exhausted. Initiation callers surface it as a failed initiation;
	// poll callers leave the transaction for the next reconciliation pass.
	ErrUnavailable = errors.New("gateway unavailable")
	// ErrRejected is permanent: the gateway understood the request and
	// refused it. Maps to a terminal FAILED transaction.
	ErrRejected = errors.New("gateway rejected request")
	// ErrNotFound means the gateway does not know the reference.
	ErrNotFound = errors.New("gateway does not know reference")
)

// errProcessing marks the Daraja "transaction is being processed" answer.
// Internal: PollStatus converts it to a low-confidence unknown outcome.
var errProcessing = errors.New("transaction is being processed")

// InitiationResult is the synchronous answer to an accepted STK push.
type InitiationResult struct {
	ExternalReference string
	Description       string
}

// PollResult is the answer to a status poll, already mapped to
// state-machine vocabulary.
type PollResult struct {
	Outcome    transaction.Outcome
	Confidence transaction.Confidence
	ResultCode string
	ResultDesc string
}

// Client is the outbound gateway contract consumed by the initiation flow
// and the reconciliation worker.
type Client interface {
	Initiate(ctx context.Context, amount int64, payerMSISDN, accountReference string) (InitiationResult, error)
	PollStatus(ctx context.Context, reference string) (PollResult, error)
}

const (
	defaultTimeout            = 10 * time.Second
	defaultRetryBaseDelay     = 250 * time.Millisecond
	defaultRetryMaxDelay      = 5 * time.Second
	defaultMaxAttempts        = 3
	defaultBreakerThreshold   = 5
	defaultBreakerOpenTimeout = 30 * time.Second

	tokenExpirySlack = 30 * time.Second
	maxResponseBytes = 1 << 20

	transactionDesc = "PataBaseFiti payment"
)

// Config holds the Daraja credentials and resilience tuning for the client.
type Config struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	Passkey        string
	CallbackURL    string

	Timeout            time.Duration
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
	MaxAttempts        int
	BreakerThreshold   uint32
	BreakerOpenTimeout time.Duration
}

func (c *Config) initDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}

	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = defaultRetryBaseDelay
	}

	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = defaultRetryMaxDelay
	}

	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}

	if c.BreakerThreshold == 0 {
		c.BreakerThreshold = defaultBreakerThreshold
	}

	if c.BreakerOpenTimeout <= 0 {
		c.BreakerOpenTimeout = defaultBreakerOpenTimeout
	}
}

// HTTPClient implements Client against the Daraja HTTP API.
type HTTPClient struct {
	cfg        Config
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     log.Logger
	tracer     trace.Tracer

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewHTTPClient creates a Daraja client. A nil logger falls back to the
// no-op logger.
func NewHTTPClient(cfg Config, logger log.Logger) *HTTPClient {
	cfg.initDefaults()

	if logger == nil {
		logger = log.NewNop()
	}

	c := &HTTPClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
		tracer:     otel.Tracer("patabasefiti-payments/gateway"),
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "mpesa-daraja",
		Timeout: cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Log(context.Background(), log.LevelWarn, "gateway circuit breaker state change",
				log.String("breaker", name), log.String("from", from.String()), log.String("to", to.String()))
		},
	})

	return c
}

// Initiate sends an STK push for the given amount and payer. On acceptance
// the returned external reference is the Daraja CheckoutRequestID.
//
// Acceptance only means the push reached the payer's handset flow; the
// payment itself is resolved later by callback or poll.
func (c *HTTPClient) Initiate(ctx context.Context, amount int64, payerMSISDN, accountReference string) (InitiationResult, error) {
	ctx, span := c.tracer.Start(ctx, "gateway.initiate")
	defer span.End()

	if amount <= 0 {
		return InitiationResult{}, fmt.Errorf("%w: non-positive amount %d", ErrRejected, amount)
	}

	timestamp := darajaTimestamp(time.Now())
	if accountReference == "" {
		accountReference = c.cfg.ShortCode
	}

	payload := stkPushRequest{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          stkPassword(c.cfg.ShortCode, c.cfg.Passkey, timestamp),
		Timestamp:         timestamp,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            amount,
		PartyA:            payerMSISDN,
		PartyB:            c.cfg.ShortCode,
		PhoneNumber:       payerMSISDN,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  accountReference,
		TransactionDesc:   transactionDesc,
	}

	var resp stkPushResponse

	if err := c.doWithRetry(ctx, pathSTKPush, payload, &resp); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return InitiationResult{}, err
	}

	if resp.ResponseCode != "0" {
		return InitiationResult{}, fmt.Errorf("%w: code=%s description=%s",
			ErrRejected, resp.ResponseCode, resp.ResponseDescription)
	}

	if resp.CheckoutRequestID == "" {
		return InitiationResult{}, fmt.Errorf("%w: accepted initiation missing CheckoutRequestID", ErrUnavailable)
	}

	c.logger.Log(ctx, log.LevelInfo, "stk push accepted",
		log.String("external_reference", resp.CheckoutRequestID),
		log.Int64("amount", amount))

	return InitiationResult{
		ExternalReference: resp.CheckoutRequestID,
		Description:       resp.ResponseDescription,
	}, nil
}

// PollStatus queries the gateway for the current result of a reference.
// A gateway answer of "still being processed" is not an error: it comes
// back as a low-confidence unknown outcome.
func (c *HTTPClient) PollStatus(ctx context.Context, reference string) (PollResult, error) {
	ctx, span := c.tracer.Start(ctx, "gateway.poll_status")
	defer span.End()

	timestamp := darajaTimestamp(time.Now())

	payload := stkQueryRequest{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          stkPassword(c.cfg.ShortCode, c.cfg.Passkey, timestamp),
		Timestamp:         timestamp,
		CheckoutRequestID: reference,
	}

	var resp stkQueryResponse

	err := c.doWithRetry(ctx, pathSTKQuery, payload, &resp)
	if errors.Is(err, errProcessing) {
		return PollResult{
			Outcome:    transaction.OutcomeUnknown,
			Confidence: transaction.ConfidenceLow,
			ResultDesc: "transaction is being processed",
		}, nil
	}

	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return PollResult{}, err
	}

	if resp.ResultCode == "" {
		// The query succeeded but the gateway has no result yet.
		return PollResult{
			Outcome:    transaction.OutcomeUnknown,
			Confidence: transaction.ConfidenceLow,
			ResultDesc: resp.ResponseDescription,
		}, nil
	}

	outcome, confidence, desc := MapResultCode(resp.ResultCode, resp.ResultDesc)

	return PollResult{
		Outcome:    outcome,
		Confidence: confidence,
		ResultCode: resp.ResultCode,
		ResultDesc: desc,
	}, nil
}

// doWithRetry runs one logical gateway call with bounded retries for
// transient failures. Permanent classifications return immediately.
func (c *HTTPClient) doWithRetry(ctx context.Context, path string, payload, out any) error {
	var lastErr error

	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := backoff.ExponentialWithJitter(c.cfg.RetryBaseDelay, attempt-1, c.cfg.RetryMaxDelay)
			if err := backoff.SleepWithContext(ctx, delay); err != nil {
				return fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
		}

		err := c.doOnce(ctx, path, payload, out)
		if err == nil {
			return nil
		}

		if !errors.Is(err, ErrUnavailable) {
			return err
		}

		lastErr = err

		c.logger.Log(ctx, log.LevelWarn, "gateway call failed, will retry",
			log.String("path", path), log.Int("attempt", attempt+1), log.Err(err))
	}

	return fmt.Errorf("%w: %d attempts exhausted: %v", ErrUnavailable, c.cfg.MaxAttempts, lastErr)
}

// doOnce runs a single round-trip through the circuit breaker. Permanent
// business answers (rejections, unknown references, processing) do not
// count against the breaker: the gateway is healthy, it just said no.
func (c *HTTPClient) doOnce(ctx context.Context, path string, payload, out any) error {
	var permanentErr error

	_, err := c.breaker.Execute(func() (any, error) {
		err := c.roundTrip(ctx, path, payload, out)
		if err != nil && !errors.Is(err, ErrUnavailable) {
			permanentErr = err
			return nil, nil
		}

		return nil, err
	})

	if permanentErr != nil {
		return permanentErr
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: circuit breaker open", ErrUnavailable)
	}

	return err
}

func (c *HTTPClient) roundTrip(ctx context.Context, path string, payload, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: failed to read response: %v", ErrUnavailable, err)
	}

	if resp.StatusCode == http.StatusOK {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("%w: malformed response body: %v", ErrUnavailable, err)
		}

		return nil
	}

	return classifyAPIError(resp.StatusCode, raw)
}

// classifyAPIError maps a non-200 Daraja answer onto the error taxonomy.
func classifyAPIError(status int, raw []byte) error {
	var ae apiError
	_ = json.Unmarshal(raw, &ae)

	switch {
	case ae.ErrorCode == errCodeProcessing:
		return errProcessing
	case status == http.StatusNotFound || strings.HasPrefix(ae.ErrorCode, "404"):
		return fmt.Errorf("%w: %s", ErrNotFound, ae.ErrorMessage)
	case status >= http.StatusInternalServerError || status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status=%d code=%s message=%s", ErrUnavailable, status, ae.ErrorCode, ae.ErrorMessage)
	default:
		return fmt.Errorf("%w: status=%d code=%s message=%s", ErrRejected, status, ae.ErrorCode, ae.ErrorMessage)
	}
}

// accessToken returns a cached OAuth token, refreshing it when it is about
// to expire. The refresh happens under the mutex; hold time is bounded by
// the request timeout already applied to ctx.
func (c *HTTPClient) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExpiry.Add(-tokenExpirySlack)) {
		return c.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+pathOAuth, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build token request: %w", err)
	}

	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: token fetch: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("%w: token fetch: %v", ErrUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: token fetch status=%d", ErrUnavailable, resp.StatusCode)
	}

	var tok tokenResponse
	if err := json.Unmarshal(raw, &tok); err != nil || tok.AccessToken == "" {
		return "", fmt.Errorf("%w: malformed token response", ErrUnavailable)
	}

	expiresIn, err := strconv.Atoi(tok.ExpiresIn)
	if err != nil || expiresIn <= 0 {
		expiresIn = 3599
	}

	c.token = tok.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(expiresIn) * time.Second)

	return c.token, nil
}
