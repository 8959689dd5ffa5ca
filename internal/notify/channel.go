package notify

import (
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type Op string

const (
	OpSet    Op = "set"
	OpRemove Op = "remove"
	OpClear  Op = "clear"
)

// Event is published after every committed cart mutation.
type Event struct {
	ID        string    `json:"id"`
	CartKey   string    `json:"cart"`
	Op        Op        `json:"op"`
	ProductID string    `json:"product_id,omitempty"`
	Quantity  int       `json:"quantity"`
	At        time.Time `json:"at"`
}

func NewEvent(cartKey string, op Op, productID string, quantity int) Event {
	return Event{
		ID:        uuid.New().String(),
		CartKey:   cartKey,
		Op:        op,
		ProductID: productID,
		Quantity:  quantity,
		At:        time.Now(),
	}
}

// Listener is notified whenever the cart changes. Implementations are tracked by
// identity, so they must be comparable (pointer receivers are the usual choice);
// Subscribe ignores any that are not.
type Listener interface {
	CartChanged(Event) error
}

type funcListener struct {
	fn func(Event) error
}

func (f *funcListener) CartChanged(e Event) error {
	return f.fn(e)
}

// Channel is a set of listeners. Publish fans an event out to a snapshot of the set,
// so listeners may subscribe or unsubscribe from inside their callback.
type Channel struct {
	mu        sync.RWMutex
	listeners map[Listener]struct{}
	log       logrus.FieldLogger
}

func NewChannel(log logrus.FieldLogger) *Channel {
	return &Channel{
		listeners: make(map[Listener]struct{}),
		log:       log,
	}
}

// Subscribe registers l. Registering the same listener twice has no extra effect.
// A nil or non-comparable listener cannot be tracked and is ignored with a warning.
func (c *Channel) Subscribe(l Listener) {
	if l == nil {
		c.log.Warn("ignoring nil cart listener")
		return
	}
	if !reflect.TypeOf(l).Comparable() {
		c.log.WithField("listener", fmt.Sprintf("%T", l)).Warn("ignoring cart listener that is not comparable")
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners[l] = struct{}{}
}

// SubscribeFunc registers fn and returns the function that removes it.
func (c *Channel) SubscribeFunc(fn func(Event) error) (unsubscribe func()) {
	l := &funcListener{fn: fn}
	c.Subscribe(l)
	return func() { c.Unsubscribe(l) }
}

// Unsubscribe removes l. Unknown listeners are ignored.
func (c *Channel) Unsubscribe(l Listener) {
	if l == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.listeners, l)
}

// Publish calls every listener registered at the time of the call with e. Listener
// errors and panics are logged and do not stop delivery to the others.
func (c *Channel) Publish(e Event) {
	c.mu.RLock()
	snapshot := make([]Listener, 0, len(c.listeners))
	for l := range c.listeners {
		snapshot = append(snapshot, l)
	}
	c.mu.RUnlock()

	for _, l := range snapshot {
		c.deliver(l, e)
	}
}

func (c *Channel) deliver(l Listener, e Event) {
	defer func() {
		if r := recover(); r != nil {
			c.log.WithFields(logrus.Fields{
				"event_id": e.ID,
				"cart":     e.CartKey,
				"listener": fmt.Sprintf("%T", l),
			}).Errorf("cart listener panicked: %v", r)
		}
	}()

	if err := l.CartChanged(e); err != nil {
		c.log.WithFields(logrus.Fields{
			"event_id": e.ID,
			"cart":     e.CartKey,
			"listener": fmt.Sprintf("%T", l),
		}).WithError(err).Warn("cart listener failed")
	}
}

// Clear removes every listener.
func (c *Channel) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = make(map[Listener]struct{})
}

func (c *Channel) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.listeners)
}
