package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harmonymwirigi/patabasefiti-payments/transaction"
)

// fakeChannel implements ConfirmableChannel in-memory. Each publish
// consumes the next entry of ackPlan; a missing entry means the broker
// never confirms.
type fakeChannel struct {
	mu         sync.Mutex
	published  []amqp.Publishing
	confirms   chan amqp.Confirmation
	ackPlan    []bool
	confirmErr error
	closed     bool
}

func (f *fakeChannel) Confirm(bool) error {
	return f.confirmErr
}

func (f *fakeChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	f.confirms = confirm
	return confirm
}

func (f *fakeChannel) PublishWithContext(_ context.Context, _, _ string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.published = append(f.published, msg)

	if len(f.ackPlan) > 0 {
		ack := f.ackPlan[0]
		f.ackPlan = f.ackPlan[1:]
		f.confirms <- amqp.Confirmation{DeliveryTag: uint64(len(f.published)), Ack: ack}
	}

	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true

	return nil
}

func (f *fakeChannel) publishedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.published)
}

func newTestPublisher(t *testing.T, ch *fakeChannel) *RabbitPublisher {
	t.Helper()

	pub, err := NewRabbitFromChannel(ch, RabbitConfig{
		Exchange:        "payments",
		RoutingKey:      "transaction.resolved",
		PublishAttempts: 3,
		ConfirmTimeout:  100 * time.Millisecond,
		RetryBaseDelay:  time.Millisecond,
		RetryMaxDelay:   5 * time.Millisecond,
	}, nil)
	require.NoError(t, err)

	return pub
}

func testEvent(t *testing.T) TransactionResolved {
	t.Helper()

	txn, err := transaction.New(500, "254712345678", "order-42", time.Now())
	require.NoError(t, err)

	txn.State = transaction.StateSucceeded
	txn.ExternalReference = "ws_CO_123"
	txn.Receipt = "NLJ7RT61SV"
	txn.Result = &transaction.Result{Code: "0", Description: "The service request is processed successfully."}

	return Resolved(txn, time.Now())
}

func TestPublishResolvedConfirmed(t *testing.T) {
	t.Parallel()

	ch := &fakeChannel{ackPlan: []bool{true}}
	pub := newTestPublisher(t, ch)

	ev := testEvent(t)

	require.NoError(t, pub.PublishResolved(context.Background(), ev))
	require.Equal(t, 1, ch.publishedCount())

	msg := ch.published[0]
	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.Equal(t, ev.TransactionID, msg.MessageId)

	var decoded TransactionResolved

	require.NoError(t, json.Unmarshal(msg.Body, &decoded))
	assert.Equal(t, "SUCCEEDED", decoded.State)
	assert.Equal(t, "NLJ7RT61SV", decoded.Receipt)
	assert.Equal(t, int64(500), decoded.Amount)
	assert.Equal(t, "KES", decoded.Currency)
}

func TestPublishResolvedRetriesNack(t *testing.T) {
	t.Parallel()

	ch := &fakeChannel{ackPlan: []bool{false, true}}
	pub := newTestPublisher(t, ch)

	require.NoError(t, pub.PublishResolved(context.Background(), testEvent(t)))
	assert.Equal(t, 2, ch.publishedCount())
}

func TestPublishResolvedExhaustsAttempts(t *testing.T) {
	t.Parallel()

	ch := &fakeChannel{ackPlan: []bool{false, false, false}}
	pub := newTestPublisher(t, ch)

	err := pub.PublishResolved(context.Background(), testEvent(t))

	require.ErrorIs(t, err, ErrPublishNacked)
	assert.Equal(t, 3, ch.publishedCount())
}

func TestPublishResolvedConfirmTimeoutKillsChannel(t *testing.T) {
	t.Parallel()

	// Empty ack plan: the broker never confirms any publish. The pending
	// confirmation makes the stream unusable, so there is no retry on the
	// same channel.
	ch := &fakeChannel{}
	pub := newTestPublisher(t, ch)

	err := pub.PublishResolved(context.Background(), testEvent(t))

	require.ErrorIs(t, err, ErrConfirmTimeout)
	assert.Equal(t, 1, ch.publishedCount())
	assert.True(t, ch.closed)

	err = pub.PublishResolved(context.Background(), testEvent(t))
	require.ErrorIs(t, err, ErrPublisherClosed)
}

func TestLateConfirmIsNotMisattributed(t *testing.T) {
	t.Parallel()

	ch := &fakeChannel{}
	pub := newTestPublisher(t, ch)

	err := pub.PublishResolved(context.Background(), testEvent(t))
	require.ErrorIs(t, err, ErrConfirmTimeout)

	// The broker's ack for the first message arrives after the timeout.
	// It must not be consumed as the confirmation of a later publish.
	ch.confirms <- amqp.Confirmation{DeliveryTag: 1, Ack: true}

	err = pub.PublishResolved(context.Background(), testEvent(t))

	require.Error(t, err)
	require.ErrorIs(t, err, ErrPublisherClosed)
	assert.Equal(t, 1, ch.publishedCount())
}

func TestPublishResolvedAfterClose(t *testing.T) {
	t.Parallel()

	ch := &fakeChannel{ackPlan: []bool{true}}
	pub := newTestPublisher(t, ch)

	require.NoError(t, pub.Close())
	require.NoError(t, pub.Close())
	assert.True(t, ch.closed)

	err := pub.PublishResolved(context.Background(), testEvent(t))
	require.ErrorIs(t, err, ErrPublisherClosed)
}

func TestResolvedCarriesResult(t *testing.T) {
	t.Parallel()

	ev := testEvent(t)

	assert.Equal(t, "0", ev.ResultCode)
	assert.NotEmpty(t, ev.TransactionID)
	assert.Equal(t, "ws_CO_123", ev.ExternalReference)
}
