// Package notify publishes alert notifications when cluster analysis flags an
// event.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flashreport/flashreport/internal/models"
	"github.com/nats-io/nats.go"
)

// Alert is the payload sent when an event enters the alert status.
type Alert struct {
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	Region    string          `json:"region"`
	Title     string          `json:"title"`
	Severity  models.Severity `json:"severity"`
	Brief     string          `json:"brief"`
	AlertedAt time.Time       `json:"alerted_at"`
}

// NewAlert builds the notification for an event and its analysis brief.
func NewAlert(ev models.Event, brief string, at time.Time) Alert {
	return Alert{
		EventID:   ev.ID,
		EventType: ev.IncidentType,
		Region:    ev.Region,
		Title:     ev.Title,
		Severity:  ev.Severity,
		Brief:     brief,
		AlertedAt: at.UTC(),
	}
}

// Publisher delivers alerts.
type Publisher interface {
	PublishAlert(ctx context.Context, alert Alert) error
	Close() error
}

// NATSPublisher publishes alerts as JSON on a NATS subject.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
	logger  *slog.Logger
}

// NewNATSPublisher connects to url and publishes on subject.
func NewNATSPublisher(url, subject string, logger *slog.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("flashreport"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.Timeout(10*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("disconnected from nats", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected to nats", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	logger.Info("nats alert publisher ready", "subject", subject)
	return &NATSPublisher{conn: conn, subject: subject, logger: logger}, nil
}

// PublishAlert publishes alert and flushes so delivery errors surface here.
func (p *NATSPublisher) PublishAlert(ctx context.Context, alert Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}

	msg := nats.NewMsg(p.subject)
	msg.Data = data
	msg.Header.Set("Event-Id", alert.EventID)
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish alert: %w", err)
	}
	if err := p.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("failed to flush alert: %w", err)
	}

	p.logger.Debug("published alert", "event_id", alert.EventID, "subject", p.subject)
	return nil
}

// Close drains the connection.
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}

// NopPublisher discards alerts. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) PublishAlert(context.Context, Alert) error { return nil }
func (NopPublisher) Close() error                              { return nil }

// Recorder keeps published alerts in memory.
type Recorder struct {
	mu     sync.Mutex
	alerts []Alert
	Err    error
}

// PublishAlert records alert, or returns r.Err when set.
func (r *Recorder) PublishAlert(_ context.Context, alert Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.alerts = append(r.alerts, alert)
	return nil
}

// Alerts returns a copy of the recorded alerts.
func (r *Recorder) Alerts() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Alert, len(r.alerts))
	copy(out, r.alerts)
	return out
}

func (r *Recorder) Close() error { return nil }
