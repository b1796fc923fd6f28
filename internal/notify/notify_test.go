package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskline/internal/clock"
	"riskline/internal/domain"
)

var atRisk = Message{
	UserID: "alice",
	Kind:   KindTaskAtRisk,
	Title:  "Task At Risk",
	Body:   `Task "Ship" is at high risk of delay`,
	Link:   "/task-board",
}

func TestWebhookPostsMessage(t *testing.T) {
	ts := time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC)
	var got webhookBody
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	hook := Webhook{URL: srv.URL, Secret: "s3cret", Client: srv.Client(), Now: func() time.Time { return ts }}
	require.NoError(t, hook.Notify(context.Background(), atRisk))

	assert.Equal(t, "application/json", headers.Get("Content-Type"))
	assert.Equal(t, KindTaskAtRisk, headers.Get("X-Riskline-Kind"))
	assert.Equal(t, "s3cret", headers.Get("X-Riskline-Secret"))
	assert.Equal(t, got.DeliveryID, headers.Get("X-Riskline-Delivery"))
	assert.Equal(t, "alice", got.UserID)
	assert.Equal(t, atRisk.Body, got.Message)
	assert.Equal(t, ts, got.TS)
}

func TestWebhookErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := Webhook{URL: srv.URL, Client: srv.Client()}.Notify(context.Background(), atRisk)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
	assert.Contains(t, err.Error(), "nope")

	assert.Error(t, Webhook{}.Notify(context.Background(), atRisk))
}

func TestWebhookKindFilter(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	hook := Webhook{URL: srv.URL, Client: srv.Client(), Kinds: []string{" task_assigned "}}
	require.NoError(t, hook.Notify(context.Background(), atRisk))
	assert.Zero(t, calls.Load())

	require.NoError(t, hook.Notify(context.Background(), Message{UserID: "bob", Kind: KindTaskAssigned}))
	assert.Equal(t, int64(1), calls.Load())
}

func TestFanoutJoinsFailures(t *testing.T) {
	var delivered []string
	ok := SinkFunc(func(_ context.Context, m Message) error {
		delivered = append(delivered, m.UserID)
		return nil
	})
	errA := errors.New("a down")
	errB := errors.New("b down")
	failA := SinkFunc(func(context.Context, Message) error { return errA })
	failB := SinkFunc(func(context.Context, Message) error { return errB })

	err := Fanout{failA, ok, failB}.Notify(context.Background(), atRisk)
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
	assert.Equal(t, []string{"alice"}, delivered, "later sinks still receive the message")

	assert.NoError(t, Fanout{ok}.Notify(context.Background(), atRisk))
	assert.NoError(t, Discard.Notify(context.Background(), atRisk))
}

type memInbox struct {
	rows []domain.Notification
}

func (m *memInbox) InsertNotification(_ context.Context, n domain.Notification) error {
	m.rows = append(m.rows, n)
	return nil
}

func TestInbox(t *testing.T) {
	store := &memInbox{}
	at := time.Date(2024, 7, 2, 10, 0, 0, 0, time.UTC)
	inbox := Inbox{Store: store, Clock: clock.NewManual(at)}

	require.NoError(t, inbox.Notify(context.Background(), atRisk))
	require.Len(t, store.rows, 1)
	row := store.rows[0]
	assert.NotEmpty(t, row.ID)
	assert.Equal(t, "alice", row.UserID)
	assert.Equal(t, KindTaskAtRisk, row.Kind)
	assert.Equal(t, atRisk.Body, row.Message)
	assert.Equal(t, "/task-board", row.Link)
	assert.False(t, row.Read)
	assert.Equal(t, at, row.CreatedAt)

	assert.Error(t, inbox.Notify(context.Background(), Message{Kind: KindTaskAtRisk}))
	assert.Len(t, store.rows, 1)
}
