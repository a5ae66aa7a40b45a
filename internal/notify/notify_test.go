package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"safeline/internal/notify"
)

type recorder struct {
	mu   sync.Mutex
	got  []notify.Channel
	fail map[notify.Channel]bool
}

func (r *recorder) Send(_ context.Context, ch notify.Channel, _ notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, ch)
	if r.fail[ch] {
		return errors.New("down")
	}
	return nil
}

func allSenders(r *recorder) map[notify.Channel]notify.Sender {
	return map[notify.Channel]notify.Sender{notify.Chat: r, notify.Email: r, notify.Pager: r}
}

func TestDefaultRouting(t *testing.T) {
	assert.Equal(t, []notify.Channel{notify.Chat, notify.Pager}, notify.DefaultChannels(notify.Critical))
	assert.Equal(t, []notify.Channel{notify.Chat, notify.Email}, notify.DefaultChannels(notify.Error))
	assert.Equal(t, []notify.Channel{notify.Chat}, notify.DefaultChannels(notify.Warning))
	assert.Equal(t, []notify.Channel{notify.Chat}, notify.DefaultChannels(notify.Info))
}

func TestOnlyEnabledChannelsDeliver(t *testing.T) {
	rec := &recorder{}
	n := notify.New([]notify.Channel{notify.Chat, notify.Email}, allSenders(rec), nil)

	require.NoError(t, n.Deliver(context.Background(), notify.Notification{Title: "t", Severity: notify.Critical}))
	assert.Equal(t, []notify.Channel{notify.Chat}, rec.got)

	rec.got = nil
	require.NoError(t, n.Deliver(context.Background(), notify.Notification{Title: "t", Severity: notify.Info, Channels: []notify.Channel{notify.Email, notify.Pager}}))
	assert.Equal(t, []notify.Channel{notify.Email}, rec.got)
}

func TestSendIsFireAndForget(t *testing.T) {
	logger, hook := test.NewNullLogger()
	rec := &recorder{fail: map[notify.Channel]bool{notify.Email: true}}
	n := notify.New([]notify.Channel{notify.Chat, notify.Email}, allSenders(rec), logger)

	var delivered []string
	var mu sync.Mutex
	n.Delivered = func(_ notify.Notification, ch notify.Channel, err error) {
		mu.Lock()
		defer mu.Unlock()
		delivered = append(delivered, string(ch)+":"+map[bool]string{true: "ok", false: "err"}[err == nil])
	}

	n.Send(notify.Notification{Title: "rollback failed", Severity: notify.Error})
	n.Wait()

	assert.Equal(t, []string{"chat:ok", "email:err"}, delivered)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	assert.Equal(t, "rollback failed", hook.LastEntry().Data["title"])
}

func TestWebhookSender(t *testing.T) {
	var (
		body    map[string]any
		headers http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	wh := notify.Webhook{URL: srv.URL, Secret: "shh"}
	err := wh.Send(context.Background(), notify.Pager, notify.Notification{
		Title: "stale pause", Message: "op-1 paused for 2h", Severity: notify.Critical,
		Metadata: map[string]any{"operation_id": "op-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "pager", headers.Get("X-Safeline-Channel"))
	assert.Equal(t, "shh", headers.Get("X-Safeline-Secret"))
	assert.Equal(t, "stale pause", body["title"])
	assert.Equal(t, "critical", body["severity"])
	assert.Contains(t, body["text"], "[CRITICAL] stale pause")
}

func TestWebhookErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := notify.Webhook{URL: srv.URL}.Send(context.Background(), notify.Chat, notify.Notification{Title: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")

	assert.Error(t, notify.Webhook{}.Send(context.Background(), notify.Chat, notify.Notification{}))
}

func TestLogSender(t *testing.T) {
	logger, hook := test.NewNullLogger()
	require.NoError(t, notify.Log{Logger: logger}.Send(context.Background(), notify.Chat, notify.Notification{
		Title: "done", Message: "ok", Severity: notify.Info, Metadata: map[string]any{"service": "checkout"},
	}))
	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.InfoLevel, entry.Level)
	assert.Equal(t, "checkout", entry.Data["service"])
	assert.Equal(t, "done: ok", entry.Message)
}

func TestParseChannel(t *testing.T) {
	for in, want := range map[string]notify.Channel{"slack": notify.Chat, "PagerDuty": notify.Pager, "email": notify.Email} {
		got, err := notify.ParseChannel(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := notify.ParseChannel("carrier-pigeon")
	assert.Error(t, err)
}
