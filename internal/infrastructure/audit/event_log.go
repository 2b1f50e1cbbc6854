package audit

import (
	"context"
	"encoding/json"
	stderrors "errors"

	"github.com/turtacn/cryptod/internal/domain/models"
	"github.com/turtacn/cryptod/internal/domain/service"
	"github.com/turtacn/cryptod/internal/infrastructure/persistence"
	"github.com/turtacn/cryptod/pkg/errors"
	"github.com/turtacn/cryptod/pkg/logger"
)

// EventLog stores key events in the key_events table of the cluster database, each
// signed with an HMAC so that edits to the table can be detected.
type EventLog struct {
	conn   *persistence.DBConnection
	secret string
	logger logger.Logger
}

// LoggedEvent is a stored event and whether its signature still matches.
type LoggedEvent struct {
	*models.KeyEvent
	Verified bool `json:"verified"`
}

// NewEventLog creates an event log on conn. An empty secret stores unsigned events.
func NewEventLog(conn *persistence.DBConnection, secret string, log logger.Logger) *EventLog {
	return &EventLog{
		conn:   conn,
		secret: secret,
		logger: log.WithComponent("EventLog"),
	}
}

// Publish inserts event.
func (l *EventLog) Publish(ctx context.Context, event *models.KeyEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return errors.ErrInternal("failed to encode key event", err)
	}
	rec := &models.KeyEventRecord{
		EventID:   event.EventID,
		Type:      string(event.Type),
		TenantID:  event.TenantID,
		KeyID:     event.KeyID,
		Timestamp: event.Timestamp,
		Payload:   payload,
	}
	if l.secret != "" {
		rec.Signature = SignPayload(payload, l.secret)
	}
	if err := l.conn.DB(ctx).Create(rec).Error; err != nil {
		return persistence.ClassifyDBError(err, "failed to store key event")
	}
	return nil
}

// List returns the latest limit events of tenantID, newest first.
func (l *EventLog) List(ctx context.Context, tenantID string, limit int) ([]LoggedEvent, error) {
	var recs []models.KeyEventRecord
	err := l.conn.DB(ctx).
		Where("tenant_id = ?", tenantID).
		Order("timestamp DESC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, persistence.ClassifyDBError(err, "failed to list key events")
	}

	events := make([]LoggedEvent, 0, len(recs))
	for _, rec := range recs {
		event := &models.KeyEvent{}
		if err := json.Unmarshal(rec.Payload, event); err != nil {
			return nil, errors.ErrInternal("failed to decode key event "+rec.EventID, err)
		}
		verified := l.secret == "" || VerifyPayload(rec.Payload, l.secret, rec.Signature)
		if !verified {
			l.logger.Warn(ctx, "Key event signature mismatch",
				logger.String("event_id", rec.EventID),
				logger.String("tenant_id", rec.TenantID),
			)
		}
		events = append(events, LoggedEvent{KeyEvent: event, Verified: verified})
	}
	return events, nil
}

// Close is a no-op; the connection belongs to the caller.
func (l *EventLog) Close() error { return nil }

// FanoutPublisher publishes every event to all of its publishers.
type FanoutPublisher []service.KeyEventPublisher

func (f FanoutPublisher) Publish(ctx context.Context, event *models.KeyEvent) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

func (f FanoutPublisher) Close() error {
	var errs []error
	for _, p := range f {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

var (
	_ service.KeyEventPublisher = (*EventLog)(nil)
	_ service.KeyEventPublisher = FanoutPublisher(nil)
)
