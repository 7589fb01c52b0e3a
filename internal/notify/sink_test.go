package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"automation-hub/backend/internal/logging"
	"automation-hub/backend/internal/repository"
	"automation-hub/backend/pkg/models"
)

// fakeTransport fails every notification whose title is in fail.
type fakeTransport struct {
	mu    sync.Mutex
	fail  map[string]bool
	calls map[string]int
}

func (f *fakeTransport) Send(_ context.Context, target *url.URL, batch []*models.Notification) []error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[target.String()]++
	out := make([]error, len(batch))
	for i, n := range batch {
		if f.fail[n.Title] {
			out[i] = errors.New("rejected")
		}
	}
	return out
}

func queue(t *testing.T, s *Sink, uri, title string) {
	t.Helper()
	require.NoError(t, s.Queue(context.Background(), &models.Notification{TenantID: "t1", URI: uri, Title: title}))
}

func TestSink_FlushGroupsByURI(t *testing.T) {
	store := repository.NewMemoryStore()
	ft := &fakeTransport{fail: map[string]bool{"bad": true}}
	sink := NewSink(store, NewMux().Handle(ft, "test"))

	queue(t, sink, "test://a", "one")
	queue(t, sink, "test://a", "bad")
	queue(t, sink, "test://b", "two")

	rep, err := sink.FlushReport(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Groups: 2, Sent: 2, Failed: 1}, rep)
	assert.Equal(t, map[string]int{"test://a": 1, "test://b": 1}, ft.calls)

	unsent, err := store.ListUnsentNotifications(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, unsent, 1)
	assert.Equal(t, "bad", unsent[0].Title)
	assert.Equal(t, "rejected", unsent[0].LastError)
	assert.Equal(t, 1, unsent[0].Attempts)

	// The failed row is retried by the next flush, once.
	rep, err = sink.FlushReport(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Groups: 1, Sent: 0, Failed: 1}, rep)
}

func TestSink_FailingRowsDoNotStarveLaterURIs(t *testing.T) {
	store := repository.NewMemoryStore()
	ft := &fakeTransport{fail: map[string]bool{"bad-1": true, "bad-2": true}}
	sink := NewSink(store, NewMux().Handle(ft, "test"), WithBatchSize(2))

	queue(t, sink, "test://a", "bad-1")
	queue(t, sink, "test://a", "bad-2")
	queue(t, sink, "test://z", "good")

	for range 3 {
		_, err := sink.FlushReport(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, 1, ft.calls["test://z"])

	unsent, err := store.ListUnsentNotifications(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, unsent, 2)
	for _, n := range unsent {
		assert.NotEqual(t, "good", n.Title)
	}
}

func TestSink_QueueDoesNotDeliver(t *testing.T) {
	store := repository.NewMemoryStore()
	ft := &fakeTransport{}
	sink := NewSink(store, NewMux().Handle(ft, "test"))

	queue(t, sink, "test://a", "one")
	assert.Empty(t, ft.calls)

	assert.Error(t, sink.Queue(context.Background(), &models.Notification{TenantID: "t1"}))
}

func TestSink_UnsupportedSchemeStaysUnsent(t *testing.T) {
	store := repository.NewMemoryStore()
	sink := NewSink(store, NewMux())
	queue(t, sink, "carrier-pigeon://roof", "coo")

	rep, err := sink.FlushReport(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)

	unsent, err := store.ListUnsentNotifications(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, unsent, 1)
	assert.Contains(t, unsent[0].LastError, "unsupported uri scheme")
}

func TestHTTPTransport(t *testing.T) {
	var (
		mu  sync.Mutex
		got []Message
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var m Message
		require.NoError(t, json.NewDecoder(r.Body).Decode(&m))
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
		if m.Title == "bad" {
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	store := repository.NewMemoryStore()
	sink := NewSink(store, DefaultMux(logging.Nop(), srv.Client()))
	queue(t, sink, srv.URL+"/hook", "hello")
	queue(t, sink, srv.URL+"/hook", "bad")

	rep, err := sink.FlushReport(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Sent)
	assert.Equal(t, 1, rep.Failed)
	assert.Len(t, got, 2)
	assert.Equal(t, "t1", got[0].TenantID)
}

func TestRedisTransport(t *testing.T) {
	mr := miniredis.RunT(t)
	sub := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer sub.Close()

	ps := sub.Subscribe(context.Background(), "alerts")
	defer ps.Close()
	_, err := ps.Receive(context.Background())
	require.NoError(t, err)

	rt := NewRedisTransport()
	defer rt.Close()
	target, _ := url.Parse("redis://" + mr.Addr() + "/alerts")
	errs := rt.Send(context.Background(), target, []*models.Notification{{ID: "n1", TenantID: "t1", Title: "hi"}})
	require.Len(t, errs, 1)
	require.NoError(t, errs[0])

	select {
	case msg := <-ps.Channel():
		var m Message
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &m))
		assert.Equal(t, "hi", m.Title)
	case <-time.After(2 * time.Second):
		t.Fatal("no message published")
	}
}

func TestParseKafkaURI(t *testing.T) {
	u, _ := url.Parse("kafka://b1:9092,b2:9092/pipeline-events")
	brokers, topic, err := ParseKafkaURI(u)
	require.NoError(t, err)
	assert.Equal(t, []string{"b1:9092", "b2:9092"}, brokers)
	assert.Equal(t, "pipeline-events", topic)

	u, _ = url.Parse("kafka://b1:9092")
	_, _, err = ParseKafkaURI(u)
	assert.Error(t, err)
}

func TestGroupByURI(t *testing.T) {
	ns := []*models.Notification{{URI: "a", Title: "1"}, {URI: "b"}, {URI: "a", Title: "2"}}
	g := GroupByURI(ns)
	require.Len(t, g["a"], 2)
	assert.Equal(t, "1", g["a"][0].Title)
	assert.Len(t, g["b"], 1)
}
