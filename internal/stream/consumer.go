// Package stream delivers trade signals from the upstream generator over
// its push (websocket) and poll (REST) transports.
package stream

import (
	"context"
	"math/rand"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/dmilligan/autospread/internal/models"
)

// Event is the push transport envelope.
type Event struct {
	Type    string        `json:"type"`
	Channel string        `json:"channel"`
	Data    models.Signal `json:"data"`
}

const (
	eventTypeSignal = "signal"

	initialBackoff = time.Second
	maxBackoff     = time.Minute
	jitterFraction = 0.2

	readDeadline = 90 * time.Second
)

// Consumer maintains a websocket subscription to the signal feed. Dropped
// connections reconnect with exponential backoff plus jitter, and channel
// subscriptions are replayed after every reconnect.
type Consumer struct {
	url      string
	channels []string
	dialer   *websocket.Dialer
	out      chan models.Signal
	logger   *logrus.Logger
}

// NewConsumer builds a consumer delivering onto a bounded channel of the
// given capacity.
func NewConsumer(url string, channels []string, buffer int, logger *logrus.Logger) *Consumer {
	if logger == nil {
		logger = logrus.New()
	}
	if buffer <= 0 {
		buffer = 64
	}
	return &Consumer{
		url:      url,
		channels: channels,
		dialer:   websocket.DefaultDialer,
		out:      make(chan models.Signal, buffer),
		logger:   logger,
	}
}

// Signals is the bounded delivery channel. Closed when Run returns.
func (c *Consumer) Signals() <-chan models.Signal {
	return c.out
}

// Run connects and reads until the context ends.
func (c *Consumer) Run(ctx context.Context) error {
	defer close(c.out)

	backoff := initialBackoff
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			c.logger.WithError(err).WithField("backoff", backoff).
				Warn("signal feed dial failed")
			if err := sleepCtx(ctx, withJitter(backoff)); err != nil {
				return err
			}
			backoff = nextBackoff(backoff)
			continue
		}

		backoff = initialBackoff
		err = c.consume(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.WithError(err).Warn("signal feed disconnected, reconnecting")
	}
}

// consume subscribes and pumps events until the connection drops.
func (c *Consumer) consume(ctx context.Context, conn *websocket.Conn) error {
	for _, channel := range c.channels {
		sub := map[string]string{"action": "subscribe", "channel": channel}
		if err := conn.WriteJSON(sub); err != nil {
			return err
		}
	}
	c.logger.WithField("channels", c.channels).Info("signal feed connected")

	for {
		if err := conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
			return err
		}
		var evt Event
		if err := conn.ReadJSON(&evt); err != nil {
			return err
		}
		if evt.Type != eventTypeSignal {
			continue
		}
		select {
		case c.out <- evt.Data:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// Bounded channel full: the poller will re-deliver, and the
			// lifecycle manager de-duplicates by identity.
			c.logger.WithField("signal", evt.Data.ID).Warn("signal channel full, dropping event")
		}
	}
}

func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

func withJitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction
	return d + time.Duration((rand.Float64()*2-1)*delta)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
