package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/fjod/go_cart/cartsync/internal/domain"
	"github.com/fjod/go_cart/cartsync/internal/notify"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

var tracer = otel.Tracer("cartsync/service")

// ItemStore is the persistence the service needs; *store.ItemStore implements it.
type ItemStore interface {
	Key() string
	ReadAll(ctx context.Context) ([]domain.LineItem, error)
	Find(ctx context.Context, productID string) (domain.LineItem, bool, error)
	Upsert(ctx context.Context, productID string, fields domain.Fields, quantity int) error
	Remove(ctx context.Context, productID string) error
	Clear(ctx context.Context) error
}

type Publisher interface {
	Publish(notify.Event)
}

// CartService holds the cart rules. Mutations run one at a time in arrival order and
// publish exactly once after their write succeeds.
type CartService struct {
	items  ItemStore
	events Publisher
	writer *semaphore.Weighted // weight 1, FIFO
	log    logrus.FieldLogger
}

func NewCartService(items ItemStore, events Publisher, log logrus.FieldLogger) *CartService {
	return &CartService{
		items:  items,
		events: events,
		writer: semaphore.NewWeighted(1),
		log:    log.WithField("cart", items.Key()),
	}
}

// SetQuantity stores requested (at least 1) for p and returns the stored quantity.
func (s *CartService) SetQuantity(ctx context.Context, p domain.Product, requested int) (int, error) {
	if err := validate(p); err != nil {
		return 0, err
	}
	var quantity int
	err := s.mutate(ctx, "set_quantity", p.ID, func(ctx context.Context) (notify.Event, error) {
		var err error
		quantity, err = s.set(ctx, p, requested)
		return s.event(notify.OpSet, p.ID, quantity), err
	})
	return quantity, err
}

// GetQuantity returns 0 for absent products and on read failure.
func (s *CartService) GetQuantity(ctx context.Context, productID string) int {
	item, ok, err := s.items.Find(ctx, productID)
	if err != nil {
		s.log.WithError(err).WithField("product_id", productID).Warn("cart read failed, reporting quantity 0")
		return 0
	}
	if !ok {
		return 0
	}
	return item.Quantity
}

// Increment adds one unit, inserting the product at quantity 1 when absent.
func (s *CartService) Increment(ctx context.Context, p domain.Product) (int, error) {
	if err := validate(p); err != nil {
		return 0, err
	}
	var quantity int
	err := s.mutate(ctx, "increment", p.ID, func(ctx context.Context) (notify.Event, error) {
		current, err := s.current(ctx, p.ID)
		if err != nil {
			return notify.Event{}, err
		}
		quantity, err = s.set(ctx, p, current+1)
		return s.event(notify.OpSet, p.ID, quantity), err
	})
	return quantity, err
}

// DecrementListing removes one unit; the last unit removes the product.
func (s *CartService) DecrementListing(ctx context.Context, p domain.Product) (int, error) {
	if err := validate(p); err != nil {
		return 0, err
	}
	var quantity int
	err := s.mutate(ctx, "decrement_listing", p.ID, func(ctx context.Context) (notify.Event, error) {
		current, err := s.current(ctx, p.ID)
		if err != nil {
			return notify.Event{}, err
		}
		if current <= 1 {
			quantity = 0
			if err := s.items.Remove(ctx, p.ID); err != nil {
				return notify.Event{}, err
			}
			return s.event(notify.OpRemove, p.ID, 0), nil
		}
		quantity, err = s.set(ctx, p, current-1)
		return s.event(notify.OpSet, p.ID, quantity), err
	})
	return quantity, err
}

// DecrementInCart removes one unit but never the last one. Absent products stay absent.
func (s *CartService) DecrementInCart(ctx context.Context, p domain.Product) (int, error) {
	if err := validate(p); err != nil {
		return 0, err
	}
	current := 0
	err := s.mutate(ctx, "decrement_in_cart", p.ID, func(ctx context.Context) (notify.Event, error) {
		var err error
		current, err = s.current(ctx, p.ID)
		if err != nil {
			return notify.Event{}, err
		}
		if current == 0 {
			return notify.Event{}, errNothingToDo
		}
		current, err = s.set(ctx, p, current-1)
		return s.event(notify.OpSet, p.ID, current), err
	})
	return current, err
}

func (s *CartService) Remove(ctx context.Context, p domain.Product) error {
	if err := validate(p); err != nil {
		return err
	}
	return s.mutate(ctx, "remove", p.ID, func(ctx context.Context) (notify.Event, error) {
		if err := s.items.Remove(ctx, p.ID); err != nil {
			return notify.Event{}, err
		}
		return s.event(notify.OpRemove, p.ID, 0), nil
	})
}

func (s *CartService) Clear(ctx context.Context) error {
	return s.mutate(ctx, "clear", "", func(ctx context.Context) (notify.Event, error) {
		if err := s.items.Clear(ctx); err != nil {
			return notify.Event{}, err
		}
		return s.event(notify.OpClear, "", 0), nil
	})
}

// Summary never fails; a read failure yields the empty summary.
func (s *CartService) Summary(ctx context.Context) domain.Summary {
	items, err := s.items.ReadAll(ctx)
	if err != nil {
		s.log.WithError(err).Warn("cart read failed, reporting empty summary")
		return domain.Summarize(nil)
	}
	return domain.Summarize(items)
}

// mutate runs fn holding the writer slot and publishes its event once fn succeeds.
// The slot is released before publishing so listeners may call back into the service.
func (s *CartService) mutate(ctx context.Context, op, productID string, fn func(context.Context) (notify.Event, error)) error {
	ctx, span := tracer.Start(ctx, "cart."+op, trace.WithAttributes(
		attribute.String("cart.key", s.items.Key()),
		attribute.String("cart.product_id", productID),
	))
	defer span.End()

	if err := s.writer.Acquire(ctx, 1); err != nil {
		span.SetStatus(codes.Error, "writer slot not acquired")
		return fmt.Errorf("%s: %w", op, err)
	}
	event, err := fn(ctx)
	s.writer.Release(1)

	if errors.Is(err, errNothingToDo) {
		return nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "cart mutation failed")
		s.log.WithError(err).WithFields(logrus.Fields{
			"op":         op,
			"product_id": productID,
		}).Error("cart mutation failed")
		return fmt.Errorf("%s: %w", op, err)
	}

	s.events.Publish(event)
	return nil
}

func (s *CartService) set(ctx context.Context, p domain.Product, requested int) (int, error) {
	quantity := requested
	if quantity < 1 {
		quantity = 1
	}
	if err := s.items.Upsert(ctx, p.ID, p.Fields, quantity); err != nil {
		return 0, err
	}
	return quantity, nil
}

func (s *CartService) current(ctx context.Context, productID string) (int, error) {
	item, ok, err := s.items.Find(ctx, productID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return item.Quantity, nil
}

func (s *CartService) event(op notify.Op, productID string, quantity int) notify.Event {
	return notify.NewEvent(s.items.Key(), op, productID, quantity)
}

func validate(p domain.Product) error {
	if p.ID == "" {
		return domain.ErrMissingProductID
	}
	return nil
}
