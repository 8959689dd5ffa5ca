package service

import (
	"fmt"
	"strings"
	"sync"

	"github.com/fjod/go_cart/cartsync/internal/notify"
	"github.com/fjod/go_cart/cartsync/internal/repository"
	"github.com/fjod/go_cart/cartsync/internal/store"
	"github.com/sirupsen/logrus"
)

// Cart bundles one user's operations with the channel its surfaces subscribe to.
type Cart struct {
	Service *CartService
	Events  *notify.Channel
}

// Registry lazily creates one Cart per user over a shared BlobStore.
type Registry struct {
	mu     sync.Mutex
	blobs  repository.BlobStore
	prefix string
	log    logrus.FieldLogger
	carts  map[string]*Cart
}

func NewRegistry(blobs repository.BlobStore, prefix string, log logrus.FieldLogger) *Registry {
	return &Registry{
		blobs:  blobs,
		prefix: prefix,
		log:    log,
		carts:  make(map[string]*Cart),
	}
}

func (r *Registry) Cart(userID string) (*Cart, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrInvalidUser
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.carts[userID]; ok {
		return c, nil
	}

	events := notify.NewChannel(r.log)
	items := store.NewItemStore(r.blobs, cartKey(r.prefix, userID), r.log)
	c := &Cart{
		Service: NewCartService(items, events, r.log),
		Events:  events,
	}
	r.carts[userID] = c
	return c, nil
}

func cartKey(prefix, userID string) string {
	return fmt.Sprintf("%s:%s", prefix, userID)
}
