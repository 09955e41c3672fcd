package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dmilligan/autospread/internal/models"
)

// Sink receives polled signals. The lifecycle manager satisfies this and
// de-duplicates, so the poller can safely re-deliver what the websocket
// already pushed.
type Sink interface {
	Submit(ctx context.Context, sig *models.Signal) (string, error)
}

type pollResponse struct {
	Signals []models.Signal `json:"signals"`
}

// Poller periodically fetches the signal backlog over REST. It backfills
// anything the push transport missed while disconnected.
type Poller struct {
	url      string
	client   *http.Client
	interval time.Duration
	sink     Sink
	logger   *logrus.Logger
}

// NewPoller builds a poller against the signal source's list endpoint.
func NewPoller(url string, interval time.Duration, sink Sink, logger *logrus.Logger) *Poller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Poller{
		url:      url,
		client:   &http.Client{Timeout: 10 * time.Second},
		interval: interval,
		sink:     sink,
		logger:   logger,
	}
}

// Run polls until the context ends. An immediate first poll backfills the
// backlog at startup.
func (p *Poller) Run(ctx context.Context) error {
	if err := p.pollOnce(ctx); err != nil {
		p.logger.WithError(err).Warn("initial signal poll failed")
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.pollOnce(ctx); err != nil {
				p.logger.WithError(err).Warn("signal poll failed")
			}
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("signal source returned status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	var payload pollResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("decoding signal list: %w", err)
	}

	for i := range payload.Signals {
		if _, err := p.sink.Submit(ctx, &payload.Signals[i]); err != nil {
			p.logger.WithError(err).WithField("signal", payload.Signals[i].ID).
				Warn("signal submit failed")
		}
	}
	return nil
}
