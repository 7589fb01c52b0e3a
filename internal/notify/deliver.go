package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"automation-hub/backend/internal/logging"
	"automation-hub/backend/pkg/models"
)

// Deliverer sends a batch addressed to one URI. The result has one entry per
// notification; nil means delivered.
type Deliverer interface {
	Deliver(ctx context.Context, uri string, batch []*models.Notification) []error
}

// Transport delivers for one URI scheme.
type Transport interface {
	Send(ctx context.Context, target *url.URL, batch []*models.Notification) []error
}

// ErrUnsupportedScheme is returned for URIs no transport handles.
var ErrUnsupportedScheme = errors.New("notify: unsupported uri scheme")

// Mux routes by URI scheme.
type Mux struct {
	transports map[string]Transport
}

// NewMux creates an empty Mux.
func NewMux() *Mux {
	return &Mux{transports: map[string]Transport{}}
}

// Handle registers t for each scheme.
func (m *Mux) Handle(t Transport, schemes ...string) *Mux {
	for _, s := range schemes {
		m.transports[strings.ToLower(s)] = t
	}
	return m
}

func (m *Mux) Deliver(ctx context.Context, uri string, batch []*models.Notification) []error {
	target, err := url.Parse(uri)
	if err != nil {
		return fill(len(batch), fmt.Errorf("notify: parse uri: %w", err))
	}
	t, ok := m.transports[strings.ToLower(target.Scheme)]
	if !ok {
		return fill(len(batch), fmt.Errorf("%w: %q", ErrUnsupportedScheme, target.Scheme))
	}
	return t.Send(ctx, target, batch)
}

// Close closes transports that hold connections.
func (m *Mux) Close() error {
	seen := map[Transport]bool{}
	var errs []error
	for _, t := range m.transports {
		if seen[t] {
			continue
		}
		seen[t] = true
		if c, ok := t.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

func fill(n int, err error) []error {
	out := make([]error, n)
	for i := range out {
		out[i] = err
	}
	return out
}

// Message is the wire form of a notification.
type Message struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

func messageOf(n *models.Notification) Message {
	return Message{ID: n.ID, TenantID: n.TenantID, Title: n.Title, Body: n.Body, CreatedAt: n.CreatedAt}
}

// HTTPTransport POSTs each notification as JSON to the URI.
type HTTPTransport struct {
	Client *http.Client
}

func (t *HTTPTransport) Send(ctx context.Context, target *url.URL, batch []*models.Notification) []error {
	client := t.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	out := make([]error, len(batch))
	for i, n := range batch {
		out[i] = t.post(ctx, client, target.String(), messageOf(n))
	}
	return out
}

func (t *HTTPTransport) post(ctx context.Context, client *http.Client, target string, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notify: %s returned %d", target, resp.StatusCode)
	}
	return nil
}

// KafkaTransport writes to kafka://broker[,broker]/topic. Writers are kept
// per URI and reused across flushes.
type KafkaTransport struct {
	mu      sync.Mutex
	writers map[string]*kafka.Writer
}

// NewKafkaTransport creates a KafkaTransport.
func NewKafkaTransport() *KafkaTransport {
	return &KafkaTransport{writers: map[string]*kafka.Writer{}}
}

func (t *KafkaTransport) Send(ctx context.Context, target *url.URL, batch []*models.Notification) []error {
	w, err := t.writer(target)
	if err != nil {
		return fill(len(batch), err)
	}
	msgs := make([]kafka.Message, len(batch))
	for i, n := range batch {
		value, err := json.Marshal(messageOf(n))
		if err != nil {
			return fill(len(batch), err)
		}
		msgs[i] = kafka.Message{Key: []byte(n.TenantID), Value: value, Time: n.CreatedAt}
	}

	err = w.WriteMessages(ctx, msgs...)
	if err == nil {
		return make([]error, len(batch))
	}
	var perMessage kafka.WriteErrors
	if errors.As(err, &perMessage) && len(perMessage) == len(batch) {
		return perMessage
	}
	return fill(len(batch), err)
}

func (t *KafkaTransport) writer(target *url.URL) (*kafka.Writer, error) {
	brokers, topic, err := ParseKafkaURI(target)
	if err != nil {
		return nil, err
	}
	key := target.String()

	t.mu.Lock()
	defer t.mu.Unlock()
	if w, ok := t.writers[key]; ok {
		return w, nil
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
	t.writers[key] = w
	return w, nil
}

// Close closes every writer.
func (t *KafkaTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var errs []error
	for key, w := range t.writers {
		errs = append(errs, w.Close())
		delete(t.writers, key)
	}
	return errors.Join(errs...)
}

// ParseKafkaURI splits kafka://b1:9092,b2:9092/topic.
func ParseKafkaURI(target *url.URL) ([]string, string, error) {
	topic := strings.Trim(target.Path, "/")
	if target.Host == "" || topic == "" {
		return nil, "", fmt.Errorf("notify: kafka uri needs brokers and topic: %s", target)
	}
	return strings.Split(target.Host, ","), topic, nil
}

// RedisTransport publishes to redis://[:password@]host:port/channel.
type RedisTransport struct {
	mu      sync.Mutex
	clients map[string]*redis.Client
}

// NewRedisTransport creates a RedisTransport.
func NewRedisTransport() *RedisTransport {
	return &RedisTransport{clients: map[string]*redis.Client{}}
}

func (t *RedisTransport) Send(ctx context.Context, target *url.URL, batch []*models.Notification) []error {
	channel := strings.Trim(target.Path, "/")
	if channel == "" {
		return fill(len(batch), fmt.Errorf("notify: redis uri needs a channel: %s", target))
	}
	client := t.client(target)
	out := make([]error, len(batch))
	for i, n := range batch {
		payload, err := json.Marshal(messageOf(n))
		if err != nil {
			out[i] = err
			continue
		}
		out[i] = client.Publish(ctx, channel, payload).Err()
	}
	return out
}

func (t *RedisTransport) client(target *url.URL) *redis.Client {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.clients[target.Host]; ok {
		return c
	}
	opts := &redis.Options{Addr: target.Host}
	if pw, ok := target.User.Password(); ok {
		opts.Password = pw
	}
	c := redis.NewClient(opts)
	t.clients[target.Host] = c
	return c
}

// Close closes every client.
func (t *RedisTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var errs []error
	for key, c := range t.clients {
		errs = append(errs, c.Close())
		delete(t.clients, key)
	}
	return errors.Join(errs...)
}

// LogTransport writes notifications to the log. log://<name> only names the
// stream.
type LogTransport struct {
	Logger *logging.Logger
}

func (t *LogTransport) Send(_ context.Context, target *url.URL, batch []*models.Notification) []error {
	for _, n := range batch {
		t.Logger.Info("notification", "stream", target.Host, "tenant_id", n.TenantID, "title", n.Title, "body", n.Body)
	}
	return make([]error, len(batch))
}

// DefaultMux wires every built-in transport.
func DefaultMux(logger *logging.Logger, client *http.Client) *Mux {
	return NewMux().
		Handle(&HTTPTransport{Client: client}, "http", "https").
		Handle(NewKafkaTransport(), "kafka").
		Handle(NewRedisTransport(), "redis").
		Handle(&LogTransport{Logger: logger}, "log")
}
