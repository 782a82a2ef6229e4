package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingSender struct {
	mu     sync.Mutex
	name   string
	err    error
	titles []string
}

func (r *recordingSender) Send(_ context.Context, title, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.titles = append(r.titles, title)
	return nil
}

func (r *recordingSender) Name() string { return r.name }

func TestNotifierEventFilter(t *testing.T) {
	sender := &recordingSender{name: "rec"}
	n := New([]Sender{sender}, []string{"position_closed", " breaker_tripped ", ""}, discardLogger())
	ctx := context.Background()

	require.NoError(t, n.Notify(ctx, "position_closed", "closed", "msg"))
	require.NoError(t, n.Notify(ctx, "breaker_tripped", "tripped", "msg"))
	require.NoError(t, n.Notify(ctx, "position_opened", "opened", "msg"))

	assert.Equal(t, []string{"closed", "tripped"}, sender.titles)
}

func TestNotifierEmptyFilterPassesAll(t *testing.T) {
	sender := &recordingSender{name: "rec"}
	n := New([]Sender{sender}, nil, discardLogger())

	require.NoError(t, n.Notify(context.Background(), "anything", "title", "msg"))
	assert.Equal(t, []string{"title"}, sender.titles)
}

func TestNotifierFailingSenderDoesNotBlockOthers(t *testing.T) {
	bad := &recordingSender{name: "bad", err: fmt.Errorf("boom")}
	good := &recordingSender{name: "good"}
	n := New([]Sender{bad, good}, nil, discardLogger())

	err := n.Notify(context.Background(), "evt", "title", "msg")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")
	assert.Equal(t, []string{"title"}, good.titles)
}

func TestDiscordSender(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sender := NewDiscordSender(srv.URL)
	require.NoError(t, sender.Send(context.Background(), "Position closed", "details"))
	assert.Equal(t, "**Position closed**\ndetails", got["content"])
	assert.Equal(t, "discord", sender.Name())
}

func TestDiscordSenderErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	sender := NewDiscordSender(srv.URL)
	err := sender.Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestTelegramSenderName(t *testing.T) {
	sender := NewTelegramSender("token", "42")
	assert.Equal(t, "telegram", sender.Name())
}
