package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fjod/go_cart/cartsync/internal/notify"
	"github.com/sirupsen/logrus"
)

const (
	eventBuffer   = 32
	keepAliveTick = 15 * time.Second
)

// EventsHandler streams cart notifications as server-sent events. The first event is a
// summary so a surface can render before any change happens.
type EventsHandler struct {
	carts CartProvider
	log   logrus.FieldLogger
}

func NewEventsHandler(carts CartProvider, log logrus.FieldLogger) *EventsHandler {
	return &EventsHandler{carts: carts, log: log}
}

// GET /api/v1/cart/events
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	cart, err := h.carts.Cart(getUserIDFromContext(r.Context()))
	if err != nil {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing user authentication")
		return
	}

	rc := http.NewResponseController(w)
	// streams outlive the server write timeout
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		h.log.WithError(err).Debug("could not clear write deadline")
	}

	events := make(chan notify.Event, eventBuffer)
	unsubscribe := cart.Events.SubscribeFunc(func(e notify.Event) error {
		select {
		case events <- e:
			return nil
		default:
			return fmt.Errorf("event stream buffer full, dropped event %s", e.ID)
		}
	})
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, "", "summary", cart.Service.Summary(r.Context())); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		h.log.WithError(err).Warn("event stream does not support flushing")
		return
	}

	keepAlive := time.NewTicker(keepAliveTick)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case e := <-events:
			if err := writeEvent(w, e.ID, "cart", e); err != nil {
				return
			}
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, id, name string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}
