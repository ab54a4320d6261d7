package server

import (
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/google/uuid"

	"github.com/harmonymwirigi/patabasefiti-payments/idempotency"
	"github.com/harmonymwirigi/patabasefiti-payments/ingest"
	"github.com/harmonymwirigi/patabasefiti-payments/ledger"
	"github.com/harmonymwirigi/patabasefiti-payments/log"
	"github.com/harmonymwirigi/patabasefiti-payments/service"
	"github.com/harmonymwirigi/patabasefiti-payments/transaction"
)

type createPaymentRequest struct {
	Amount           int64  `json:"amount" validate:"required,gt=0"`
	PayerMSISDN      string `json:"payerMsisdn" validate:"required"`
	AccountReference string `json:"accountReference"`
}

type resultResponse struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

type transactionResponse struct {
	ID                string          `json:"id"`
	ExternalReference string          `json:"externalReference,omitempty"`
	Amount            int64           `json:"amount"`
	Currency          string          `json:"currency"`
	PayerMSISDN       string          `json:"payerMsisdn"`
	AccountReference  string          `json:"accountReference,omitempty"`
	State             string          `json:"state"`
	AttemptCount      int             `json:"attemptCount"`
	Receipt           string          `json:"receipt,omitempty"`
	Result            *resultResponse `json:"result,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	LastTransitionAt  time.Time       `json:"lastTransitionAt"`
}

type eventResponse struct {
	FromState  string    `json:"fromState"`
	ToState    string    `json:"toState"`
	Source     string    `json:"source"`
	Outcome    string    `json:"outcome,omitempty"`
	ResultCode string    `json:"resultCode,omitempty"`
	ResultDesc string    `json:"resultDesc,omitempty"`
	Receipt    string    `json:"receipt,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// callbackAck is the acknowledgement body the gateway expects.
type callbackAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

func toTransactionResponse(txn *transaction.Transaction) transactionResponse {
	resp := transactionResponse{
		ID:                txn.ID.String(),
		ExternalReference: txn.ExternalReference,
		Amount:            txn.Amount,
		Currency:          txn.Currency,
		PayerMSISDN:       txn.PayerMSISDN,
		AccountReference:  txn.AccountReference,
		State:             string(txn.State),
		AttemptCount:      txn.AttemptCount,
		Receipt:           txn.Receipt,
		CreatedAt:         txn.CreatedAt,
		LastTransitionAt:  txn.LastTransitionAt,
	}

	if txn.Result != nil {
		resp.Result = &resultResponse{Code: txn.Result.Code, Description: txn.Result.Description}
	}

	return resp
}

// Handler holds the HTTP dependencies.
type Handler struct {
	payments *service.Payments
	pipeline *ingest.Pipeline
	logger   log.Logger
	validate *validator.Validate
}

// NewApp builds the Fiber application with all routes registered.
func NewApp(payments *service.Payments, pipeline *ingest.Pipeline, logger log.Logger) *fiber.App {
	if logger == nil {
		logger = log.NewNop()
	}

	h := &Handler{
		payments: payments,
		pipeline: pipeline,
		logger:   logger,
		validate: validator.New(),
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(requestid.New())

	app.Get("/health", h.health)

	v1 := app.Group("/v1")
	v1.Post("/payments", h.createPayment)
	v1.Get("/payments/:id", h.getPayment)
	v1.Get("/payments/:id/events", h.getPaymentEvents)
	v1.Post("/callbacks/mpesa", h.mpesaCallback)

	return app
}

func (h *Handler) health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func (h *Handler) createPayment(c *fiber.Ctx) error {
	var req createPaymentRequest

	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "invalid request body"})
	}

	if err := h.validate.Struct(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: err.Error()})
	}

	txn, err := h.payments.RequestPayment(c.UserContext(), req.Amount, req.PayerMSISDN, req.AccountReference)
	if err != nil {
		if errors.Is(err, transaction.ErrInvalidAmount) || errors.Is(err, transaction.ErrInvalidPayer) {
			return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: err.Error()})
		}

		h.logger.Log(c.UserContext(), log.LevelError, "payment request failed", log.Err(err))

		return c.Status(fiber.StatusInternalServerError).JSON(errorResponse{Error: "internal error"})
	}

	return c.Status(fiber.StatusCreated).JSON(toTransactionResponse(txn))
}

func (h *Handler) getPayment(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "invalid transaction id"})
	}

	txn, err := h.payments.GetTransaction(c.UserContext(), id)
	if errors.Is(err, ledger.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(errorResponse{Error: "transaction not found"})
	}

	if err != nil {
		h.logger.Log(c.UserContext(), log.LevelError, "transaction lookup failed", log.Err(err))

		return c.Status(fiber.StatusInternalServerError).JSON(errorResponse{Error: "internal error"})
	}

	return c.JSON(toTransactionResponse(txn))
}

func (h *Handler) getPaymentEvents(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "invalid transaction id"})
	}

	history, err := h.payments.GetTransactionEvents(c.UserContext(), id)
	if errors.Is(err, ledger.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(errorResponse{Error: "transaction not found"})
	}

	if err != nil {
		h.logger.Log(c.UserContext(), log.LevelError, "transaction history lookup failed", log.Err(err))

		return c.Status(fiber.StatusInternalServerError).JSON(errorResponse{Error: "internal error"})
	}

	out := make([]eventResponse, 0, len(history))
	for _, record := range history {
		out = append(out, eventResponse{
			FromState:  string(record.FromState),
			ToState:    string(record.ToState),
			Source:     string(record.Source),
			Outcome:    string(record.Outcome),
			ResultCode: record.ResultCode,
			ResultDesc: record.ResultDesc,
			Receipt:    record.Receipt,
			OccurredAt: record.OccurredAt,
		})
	}

	return c.JSON(out)
}

// mpesaCallback ingests a gateway callback delivery. Duplicates and
// terminal-state callbacks are acknowledged like first deliveries; only
// transient failures answer with a server error so the gateway redelivers.
func (h *Handler) mpesaCallback(c *fiber.Ctx) error {
	err := h.pipeline.Ingest(c.UserContext(), c.Body())

	switch {
	case err == nil:
		return c.JSON(callbackAck{ResultCode: 0, ResultDesc: "Accepted"})
	case errors.Is(err, ingest.ErrMalformedPayload):
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: err.Error()})
	case errors.Is(err, ingest.ErrUnknownReference):
		return c.Status(fiber.StatusNotFound).JSON(errorResponse{Error: err.Error()})
	case errors.Is(err, idempotency.ErrLockBusy):
		// Another worker holds the reference; the gateway retry will land
		// after it releases the lock.
		return c.Status(fiber.StatusServiceUnavailable).JSON(errorResponse{Error: "reference busy, retry"})
	default:
		h.logger.Log(c.UserContext(), log.LevelError, "callback ingestion failed", log.Err(err))

		return c.Status(fiber.StatusInternalServerError).JSON(errorResponse{Error: "internal error"})
	}
}
