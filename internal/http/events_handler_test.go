package http

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fjod/go_cart/cartsync/internal/domain"
	"github.com/fjod/go_cart/cartsync/internal/notify"
	"github.com/fjod/go_cart/cartsync/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sseEvent struct {
	id   string
	name string
	data string
}

func readEvent(t *testing.T, r *bufio.Reader) sseEvent {
	t.Helper()
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if ev.name != "" {
				return ev
			}
		case strings.HasPrefix(line, "id: "):
			ev.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestEventsStream(t *testing.T) {
	h, reg := newTestRouter(t, repository.NewMemoryStore())
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/cart/events", nil)
	require.NoError(t, err)
	req.Header.Set("X-User-ID", "u1")

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)

	first := readEvent(t, reader)
	assert.Equal(t, "summary", first.name)
	var summary domain.Summary
	require.NoError(t, json.Unmarshal([]byte(first.data), &summary))
	assert.Equal(t, 0, summary.TotalUnits)

	// the stream is subscribed once the summary has arrived
	cart, err := reg.Cart("u1")
	require.NoError(t, err)
	_, err = cart.Service.Increment(context.Background(), domain.Product{ID: "P1"})
	require.NoError(t, err)

	next := readEvent(t, reader)
	assert.Equal(t, "cart", next.name)
	var ev notify.Event
	require.NoError(t, json.Unmarshal([]byte(next.data), &ev))
	assert.Equal(t, next.id, ev.ID)
	assert.Equal(t, notify.OpSet, ev.Op)
	assert.Equal(t, "P1", ev.ProductID)
	assert.Equal(t, 1, ev.Quantity)
	assert.Equal(t, "cart:u1", ev.CartKey)
}

func TestEventsStream_UnsubscribesOnDisconnect(t *testing.T) {
	h, reg := newTestRouter(t, repository.NewMemoryStore())
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/cart/events", nil)
	require.NoError(t, err)
	req.Header.Set("X-User-ID", "u2")

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	readEvent(t, bufio.NewReader(resp.Body))

	cart, err := reg.Cart("u2")
	require.NoError(t, err)
	assert.Equal(t, 1, cart.Events.Len())

	cancel()
	resp.Body.Close()

	require.Eventually(t, func() bool {
		return cart.Events.Len() == 0
	}, 2*time.Second, 10*time.Millisecond, "stream did not unsubscribe")
}

func TestEventsStream_Unauthorized(t *testing.T) {
	h, _ := newTestRouter(t, repository.NewMemoryStore())
	rec := do(t, h, http.MethodGet, "/api/v1/cart/events", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
