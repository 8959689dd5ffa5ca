package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fjod/go_cart/cartsync/internal/service"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

var errMissingUserID = errors.New("missing or invalid user_id")

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

const (
	retryBase = 500 * time.Millisecond
	retryMax  = 30 * time.Second
)

// CartClearer resolves the cart that a completed checkout must empty.
type CartClearer interface {
	Cart(userID string) (*service.Cart, error)
}

type Config struct {
	Brokers []string
	Topic   string
	GroupID string
}

// Poller consumes checkout-completed events and clears the buyer's cart, which notifies
// every surface subscribed to it.
type Poller struct {
	carts     CartClearer
	reader    messageReader
	log       logrus.FieldLogger
	retryBase time.Duration
}

func NewPoller(carts CartClearer, cfg Config, log logrus.FieldLogger) *Poller {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MaxBytes: 10e6, // 10MB
	})
	return newPoller(carts, reader, log)
}

func newPoller(carts CartClearer, reader messageReader, log logrus.FieldLogger) *Poller {
	return &Poller{carts: carts, reader: reader, log: log, retryBase: retryBase}
}

func (p *Poller) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		p.consume(ctx)
	}
}

func (p *Poller) Close() {
	if err := p.reader.Close(); err != nil {
		p.log.WithError(err).Warn("error closing checkout reader")
	}
}

// consume handles one message. It is committed only once it has been dealt with:
// malformed messages are skipped, a failed clear is retried until it succeeds or ctx ends.
func (p *Poller) consume(ctx context.Context) {
	m, err := p.reader.FetchMessage(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.log.WithError(err).Warn("error reading checkout message")
		}
		return
	}

	if userID, err := parseUserID(m.Value); err != nil {
		p.log.WithError(err).WithField("offset", m.Offset).Warn("skipping checkout message")
	} else if !p.clear(ctx, userID) {
		return
	}

	if err := p.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
		p.log.WithError(err).WithField("offset", m.Offset).Warn("failed to commit checkout message")
	}
}

// clear reports whether the message is done with, which is false only when ctx ended first.
func (p *Poller) clear(ctx context.Context, userID string) bool {
	log := p.log.WithField("user_id", userID)

	cart, err := p.carts.Cart(userID)
	if err != nil {
		log.WithError(err).Warn("skipping checkout message")
		return true
	}

	backoff := p.retryBase
	for {
		err := cart.Service.Clear(ctx)
		if err == nil {
			log.Info("cart cleared after checkout")
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		log.WithError(err).WithField("retry_in", backoff.String()).Error("failed to clear cart after checkout")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return false
		}
		if backoff *= 2; backoff > retryMax {
			backoff = retryMax
		}
	}
}

func parseUserID(value []byte) (string, error) {
	var payload map[string]interface{}
	if err := json.Unmarshal(value, &payload); err != nil {
		return "", fmt.Errorf("error parsing message: %w", err)
	}

	switch id := payload["user_id"].(type) {
	case string:
		if strings.TrimSpace(id) == "" {
			return "", errMissingUserID
		}
		return id, nil
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64), nil
	default:
		return "", errMissingUserID
	}
}
