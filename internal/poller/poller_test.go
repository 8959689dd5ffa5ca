package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fjod/go_cart/cartsync/internal/domain"
	"github.com/fjod/go_cart/cartsync/internal/notify"
	"github.com/fjod/go_cart/cartsync/internal/repository"
	"github.com/fjod/go_cart/cartsync/internal/service"
	"github.com/fjod/go_cart/cartsync/pkg/logger"
	kafkaGo "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/kafka"
)

type fakeReader struct {
	messages  chan kafkaGo.Message
	mu        sync.Mutex
	committed []int64
	closed    bool
}

func newFakeReader(values ...[]byte) *fakeReader {
	r := &fakeReader{messages: make(chan kafkaGo.Message, len(values))}
	for i, v := range values {
		r.messages <- kafkaGo.Message{Offset: int64(i), Value: v}
	}
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafkaGo.Message, error) {
	select {
	case m := <-r.messages:
		return m, nil
	case <-ctx.Done():
		return kafkaGo.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafkaGo.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func checkoutPayload(t *testing.T, userID interface{}) []byte {
	t.Helper()
	payload := map[string]interface{}{
		"checkout_id":  "chId",
		"user_id":      userID,
		"total_amount": "1",
		"currency":     "rur",
		"completed_at": time.Time{},
	}
	b, err := json.Marshal(payload)
	require.NoError(t, err)
	return b
}

func fillCart(t *testing.T, reg *service.Registry, userID string) *service.Cart {
	t.Helper()
	cart, err := reg.Cart(userID)
	require.NoError(t, err)
	_, err = cart.Service.SetQuantity(context.Background(), domain.Product{ID: "P1"}, 2)
	require.NoError(t, err)
	return cart
}

func TestParseUserID(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		want    string
		wantErr bool
	}{
		{name: "string id", value: `{"user_id":"123"}`, want: "123"},
		{name: "numeric id", value: `{"user_id":42}`, want: "42"},
		{name: "missing id", value: `{"checkout_id":"x"}`, wantErr: true},
		{name: "blank id", value: `{"user_id":"  "}`, wantErr: true},
		{name: "wrong type", value: `{"user_id":true}`, wantErr: true},
		{name: "not json", value: `user_id=1`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseUserID([]byte(tt.value))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPoller_ClearsCartAndNotifies(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := service.NewRegistry(repository.NewMemoryStore(), "cart", logger.Discard())
	cart := fillCart(t, reg, "123")
	other := fillCart(t, reg, "456")

	var mu sync.Mutex
	var got []notify.Event
	cart.Events.SubscribeFunc(func(e notify.Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e)
		return nil
	})

	reader := newFakeReader(
		[]byte("garbage"),
		checkoutPayload(t, nil),
		checkoutPayload(t, "123"),
	)
	p := newPoller(reg, reader, logger.Discard())

	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return cart.Service.GetQuantity(ctx, "P1") == 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
	p.Close()

	assert.True(t, reader.closed)
	assert.Equal(t, []int64{0, 1, 2}, reader.commits())
	assert.Equal(t, 2, other.Service.GetQuantity(context.Background(), "P1"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, notify.OpClear, got[0].Op)
	assert.Equal(t, "cart:123", got[0].CartKey)
}

// flakyStore fails the first failures removals.
type flakyStore struct {
	repository.BlobStore
	mu       sync.Mutex
	failures int
}

func (f *flakyStore) Remove(ctx context.Context, key string) error {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return errors.New("storage offline")
	}
	f.mu.Unlock()
	return f.BlobStore.Remove(ctx, key)
}

func TestPoller_RetriesClearBeforeCommit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	blobs := &flakyStore{BlobStore: repository.NewMemoryStore(), failures: 2}
	reg := service.NewRegistry(blobs, "cart", logger.Discard())
	cart := fillCart(t, reg, "123")

	reader := newFakeReader(checkoutPayload(t, "123"))
	p := newPoller(reg, reader, logger.Discard())
	p.retryBase = time.Millisecond

	go p.Run(ctx)

	require.Eventually(t, func() bool {
		return len(reader.commits()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, cart.Service.GetQuantity(ctx, "P1"))
}

func TestPoller_UncommittedWhileClearFails(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	blobs := &flakyStore{BlobStore: repository.NewMemoryStore(), failures: 1 << 30}
	reg := service.NewRegistry(blobs, "cart", logger.Discard())
	cart := fillCart(t, reg, "1")

	reader := newFakeReader(checkoutPayload(t, "1"))
	p := newPoller(reg, reader, logger.Discard())
	p.retryBase = time.Millisecond

	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return len(reader.messages) == 0
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop after cancel")
	}
	assert.Empty(t, reader.commits())
	assert.Equal(t, 2, cart.Service.GetQuantity(context.Background(), "P1"))
}

func setupKafka(t *testing.T) (string, func()) {
	ctx := context.Background()

	kafkaContainer, err := kafka.Run(ctx, "confluentinc/confluent-local:7.5.0")
	require.NoError(t, err)

	brokers, err := kafkaContainer.Brokers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, brokers, "broker address should not be empty")

	cleanup := func() {
		if err := testcontainers.TerminateContainer(kafkaContainer); err != nil {
			t.Logf("failed to terminate kafka container: %v", err)
		}
	}

	return brokers[0], cleanup
}

func createTopic(t *testing.T, brokerAddr, topic string) {
	conn, err := kafkaGo.Dial("tcp", brokerAddr)
	require.NoError(t, err)
	defer conn.Close()

	controller, err := conn.Controller()
	require.NoError(t, err)

	controllerConn, err := kafkaGo.Dial("tcp", fmt.Sprintf("%s:%d", controller.Host, controller.Port))
	require.NoError(t, err)
	defer controllerConn.Close()

	err = controllerConn.CreateTopics(kafkaGo.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	})
	if err != nil {
		t.Logf("topic creation error (may already exist): %v", err)
	}
}

func TestPoller_Kafka(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping kafka container test in short mode")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	brokers, cleanup := setupKafka(t)
	defer cleanup()
	topic := "checkout-outbox"
	createTopic(t, brokers, topic)

	reg := service.NewRegistry(repository.NewMemoryStore(), "cart", logger.Discard())
	cart := fillCart(t, reg, "123")

	p := NewPoller(reg, Config{Brokers: []string{brokers}, Topic: topic, GroupID: "cartsync-test"}, logger.Discard())
	defer p.Close()

	w := &kafkaGo.Writer{
		Addr:                   kafkaGo.TCP(brokers),
		Topic:                  topic,
		Balancer:               &kafkaGo.LeastBytes{},
		AllowAutoTopicCreation: true,
	}
	err := w.WriteMessages(ctx, kafkaGo.Message{
		Key:     []byte("chId"),
		Value:   checkoutPayload(t, "123"),
		Headers: []kafkaGo.Header{{Key: "event_type", Value: []byte("checkout")}},
	})
	require.NoError(t, err)
	w.Close()

	go p.Run(ctx)
	require.Eventually(t, func() bool {
		return cart.Service.GetQuantity(ctx, "P1") == 0
	}, 15*time.Second, 500*time.Millisecond)
}
