package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Deliverer hands a finalized report to the external scoring callback.
type Deliverer interface {
	Deliver(ctx context.Context, r *Report) error
}

// WebhookDeliverer POSTs reports as JSON to a callback URL.
type WebhookDeliverer struct {
	url    string
	client *http.Client
}

// NewWebhookDeliverer creates a deliverer for the given callback URL.
func NewWebhookDeliverer(url string, timeout time.Duration) *WebhookDeliverer {
	return &WebhookDeliverer{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Deliver POSTs the report. Any non-2xx response is a delivery failure.
func (d *WebhookDeliverer) Deliver(ctx context.Context, r *Report) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("Deliver: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("Deliver: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("Deliver: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("Deliver: callback returned %d", resp.StatusCode)
	}
	return nil
}

// LogDeliverer writes reports to the log instead of a callback. Used when no
// callback URL is configured, mirroring the event writer's log fallback.
type LogDeliverer struct {
	logger *zap.Logger
}

// NewLogDeliverer creates the log fallback deliverer.
func NewLogDeliverer(logger *zap.Logger) *LogDeliverer {
	return &LogDeliverer{logger: logger}
}

func (d *LogDeliverer) Deliver(_ context.Context, r *Report) error {
	d.logger.Info("report delivered to log sink",
		zap.String("report_id", r.ReportID),
		zap.String("session_id", r.SessionID),
		zap.String("finalize_cause", r.FinalizeCause),
		zap.Int("indicators", len(r.Indicators)),
		zap.Strings("indicator_types", r.IndicatorSet),
	)
	return nil
}

// CourierConfig bounds the retry schedule.
type CourierConfig struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultCourierConfig returns the stock retry schedule.
func DefaultCourierConfig() CourierConfig {
	return CourierConfig{
		MaxAttempts: 5,
		BaseBackoff: 2 * time.Second,
		MaxBackoff:  2 * time.Minute,
	}
}

// Courier retries deliveries with exponential backoff. The engagement core
// calls Dispatch exactly once per session; everything after that is the
// courier's problem.
type Courier struct {
	deliverer Deliverer
	cfg       CourierConfig
	logger    *zap.Logger
	// sleep is swappable in tests.
	sleep func(context.Context, time.Duration) bool
}

// NewCourier creates a courier around the given deliverer.
func NewCourier(d Deliverer, cfg CourierConfig, logger *zap.Logger) *Courier {
	return &Courier{
		deliverer: d,
		cfg:       cfg,
		logger:    logger,
		sleep:     ctxSleep,
	}
}

// Dispatch delivers the report, retrying with exponential backoff until it
// succeeds, attempts run out, or the context ends. Returns the error of the
// final attempt, or nil.
func (c *Courier) Dispatch(ctx context.Context, r *Report) error {
	backoff := c.cfg.BaseBackoff
	var err error

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		err = c.deliverer.Deliver(ctx, r)
		if err == nil {
			if attempt > 1 {
				c.logger.Info("report delivered after retry",
					zap.String("report_id", r.ReportID),
					zap.Int("attempt", attempt),
				)
			}
			return nil
		}

		c.logger.Warn("report delivery failed",
			zap.String("report_id", r.ReportID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if attempt == c.cfg.MaxAttempts {
			break
		}
		if !c.sleep(ctx, backoff) {
			return fmt.Errorf("Dispatch: %w", ctx.Err())
		}
		backoff *= 2
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}
	return fmt.Errorf("Dispatch: gave up after %d attempts: %w", c.cfg.MaxAttempts, err)
}

// ctxSleep sleeps for d or until the context ends. Reports whether the full
// sleep completed.
func ctxSleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
