package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_cart/cartsync/internal/domain"
	"github.com/fjod/go_cart/cartsync/internal/repository"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const sharedReadTimeout = 10 * time.Second

// ItemStore persists a cart's line items as one JSON blob under a single key.
// It does no locking of its own: callers serialize writes.
type ItemStore struct {
	blobs repository.BlobStore
	key   string
	log   logrus.FieldLogger
	sfg   singleflight.Group // coalesces concurrent ReadAll calls
}

func NewItemStore(blobs repository.BlobStore, key string, log logrus.FieldLogger) *ItemStore {
	return &ItemStore{
		blobs: blobs,
		key:   key,
		log:   log.WithField("cart", key),
	}
}

func (s *ItemStore) Key() string {
	return s.key
}

// ReadAll returns the stored items in insertion order. A blob that cannot be decoded
// reads as an empty cart; storage errors are returned.
func (s *ItemStore) ReadAll(ctx context.Context) ([]domain.LineItem, error) {
	// the flight is shared, so it must not die with the caller that started it
	ch := s.sfg.DoChan(s.key, func() (interface{}, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedReadTimeout)
		defer cancel()
		return s.load(loadCtx)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, fmt.Errorf("read cart items: %w", ctx.Err())
	}
	if res.Err != nil {
		return nil, res.Err
	}

	// callers sharing a flight must not share the slice
	shared := res.Val.([]domain.LineItem)
	items := make([]domain.LineItem, len(shared))
	for i, item := range shared {
		items[i] = item
		items[i].Fields = domain.MergeFields(nil, item.Fields)
	}
	return items, nil
}

func (s *ItemStore) load(ctx context.Context) ([]domain.LineItem, error) {
	blob, err := s.blobs.Get(ctx, s.key)
	if errors.Is(err, repository.ErrNotFound) {
		return []domain.LineItem{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cart items: %w", err)
	}

	var items []domain.LineItem
	if err := json.Unmarshal(blob, &items); err != nil {
		s.log.WithError(err).Warn("stored cart is unreadable, treating as empty")
		return []domain.LineItem{}, nil
	}
	if items == nil {
		items = []domain.LineItem{}
	}
	return items, nil
}

// Find returns the item for productID, or false when absent.
func (s *ItemStore) Find(ctx context.Context, productID string) (domain.LineItem, bool, error) {
	items, err := s.ReadAll(ctx)
	if err != nil {
		return domain.LineItem{}, false, err
	}
	for _, item := range items {
		if item.ProductID == productID {
			return item, true, nil
		}
	}
	return domain.LineItem{}, false, nil
}

// Upsert sets quantity for productID and merges fields into the stored metadata,
// inserting the item at the end when it is not present yet.
func (s *ItemStore) Upsert(ctx context.Context, productID string, fields domain.Fields, quantity int) error {
	items, err := s.load(ctx)
	if err != nil {
		return err
	}

	found := false
	for i := range items {
		if items[i].ProductID == productID {
			items[i].Fields = domain.MergeFields(items[i].Fields, fields)
			items[i].Quantity = quantity
			found = true
			break
		}
	}
	if !found {
		items = append(items, domain.LineItem{
			ProductID: productID,
			Quantity:  quantity,
			Fields:    domain.MergeFields(nil, fields),
		})
	}

	return s.write(ctx, items)
}

func (s *ItemStore) Remove(ctx context.Context, productID string) error {
	items, err := s.load(ctx)
	if err != nil {
		return err
	}

	kept := items[:0]
	removed := false
	for _, item := range items {
		if item.ProductID == productID {
			removed = true
			continue
		}
		kept = append(kept, item)
	}
	if !removed {
		return nil
	}

	return s.write(ctx, kept)
}

func (s *ItemStore) Clear(ctx context.Context) error {
	defer s.sfg.Forget(s.key)
	if err := s.blobs.Remove(ctx, s.key); err != nil {
		return fmt.Errorf("clear cart items: %w", err)
	}
	return nil
}

func (s *ItemStore) write(ctx context.Context, items []domain.LineItem) error {
	// a read that started before this write must not serve callers arriving after it
	defer s.sfg.Forget(s.key)

	blob, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode cart items: %w", err)
	}
	if err := s.blobs.Set(ctx, s.key, blob); err != nil {
		return fmt.Errorf("write cart items: %w", err)
	}
	return nil
}
