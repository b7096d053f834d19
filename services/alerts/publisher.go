// Package alerts publishes operator alerts to Google Cloud Pub/Sub.
//
// Alert routing, paging and dashboards live downstream of the topic. When no project is
// configured alerts are written to the log instead, so a development deployment can run
// without Pub/Sub.
package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/google/uuid"
	"github.com/upb/ticket-enhancer/config"
	"github.com/upb/ticket-enhancer/internal/observability"
	"github.com/upb/ticket-enhancer/models"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// Severity tells the alert router how to notify
type Severity string

const (
	SeverityPage    Severity = "page"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Kind identifies what raised the alert
type Kind string

const (
	KindIsolationViolation Kind = "isolation_violation"
	KindBudgetThreshold    Kind = "budget_threshold"
	KindJobDeadLettered    Kind = "job_dead_lettered"
	KindSweepPartial       Kind = "budget_sweep_partial"
)

// Alert is the message body published to the alert topic
type Alert struct {
	ID         uuid.UUID              `json:"id"`
	Kind       Kind                   `json:"kind"`
	Severity   Severity               `json:"severity"`
	TenantID   *uuid.UUID             `json:"tenant_id,omitempty"`
	Summary    string                 `json:"summary"`
	Details    map[string]interface{} `json:"details,omitempty"`
	OccurredAt time.Time              `json:"occurred_at"`
}

// New creates an alert with a fresh ID. A nil tenant means the alert is deployment-wide.
func New(kind Kind, severity Severity, tenantID *uuid.UUID, summary string, details map[string]interface{}) *Alert {
	return &Alert{
		ID:         uuid.New(),
		Kind:       kind,
		Severity:   severity,
		TenantID:   tenantID,
		Summary:    summary,
		Details:    models.Redact(details),
		OccurredAt: time.Now().UTC(),
	}
}

// Publisher delivers alerts
type Publisher interface {
	Publish(ctx context.Context, alert *Alert) error
	Close() error
}

// NewPublisher returns a Pub/Sub publisher when a project is configured and a log publisher otherwise
func NewPublisher(ctx context.Context, cfg config.PubSubConfig, metrics *observability.Metrics, logger *zap.Logger) (Publisher, error) {
	if cfg.ProjectID == "" {
		logger.Info("pubsub project not configured, alerts will be logged only")
		return NewLogPublisher(metrics, logger), nil
	}

	var opts []option.ClientOption
	if cfg.CredentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}
	return NewPubSubPublisher(client, cfg.AlertTopic, metrics, logger), nil
}

// PubSubPublisher publishes alerts as JSON messages with kind, severity and tenant attributes
type PubSubPublisher struct {
	client  *pubsub.Client
	topic   *pubsub.Topic
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewPubSubPublisher creates a publisher on an existing client. It takes ownership of the client.
func NewPubSubPublisher(client *pubsub.Client, topicID string, metrics *observability.Metrics, logger *zap.Logger) *PubSubPublisher {
	topic := client.Topic(topicID)
	topic.PublishSettings.CountThreshold = 1
	topic.PublishSettings.DelayThreshold = 10 * time.Millisecond
	return &PubSubPublisher{client: client, topic: topic, metrics: metrics, logger: logger}
}

// Publish blocks until the server acknowledges the message or ctx is done
func (p *PubSubPublisher) Publish(ctx context.Context, alert *Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}

	attrs := map[string]string{
		"kind":     string(alert.Kind),
		"severity": string(alert.Severity),
	}
	if alert.TenantID != nil {
		attrs["tenant_id"] = alert.TenantID.String()
	}

	id, err := p.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs}).Get(ctx)
	if err != nil {
		p.record(alert.Kind, "error")
		p.logger.Error("failed to publish alert",
			zap.String("kind", string(alert.Kind)),
			zap.String("severity", string(alert.Severity)),
			zap.String("summary", alert.Summary),
			zap.Error(err))
		return fmt.Errorf("failed to publish alert: %w", err)
	}

	p.record(alert.Kind, "published")
	p.logger.Info("alert published",
		zap.String("kind", string(alert.Kind)),
		zap.String("severity", string(alert.Severity)),
		zap.String("message_id", id))
	return nil
}

func (p *PubSubPublisher) record(kind Kind, result string) {
	if p.metrics != nil {
		p.metrics.AlertsPublished.WithLabelValues(string(kind), result).Inc()
	}
}

// Close flushes pending messages and closes the client
func (p *PubSubPublisher) Close() error {
	p.topic.Stop()
	return p.client.Close()
}

// LogPublisher writes alerts to the log
type LogPublisher struct {
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewLogPublisher creates a new LogPublisher instance
func NewLogPublisher(metrics *observability.Metrics, logger *zap.Logger) *LogPublisher {
	return &LogPublisher{metrics: metrics, logger: logger}
}

// Publish logs the alert; page severity is logged at error level
func (p *LogPublisher) Publish(ctx context.Context, alert *Alert) error {
	fields := []zap.Field{
		zap.String("alert_id", alert.ID.String()),
		zap.String("kind", string(alert.Kind)),
		zap.String("severity", string(alert.Severity)),
		zap.Any("details", alert.Details),
	}
	if alert.TenantID != nil {
		fields = append(fields, zap.String("tenant_id", alert.TenantID.String()))
	}
	if alert.Severity == SeverityPage {
		p.logger.Error("ALERT: "+alert.Summary, fields...)
	} else {
		p.logger.Warn("alert: "+alert.Summary, fields...)
	}
	if p.metrics != nil {
		p.metrics.AlertsPublished.WithLabelValues(string(alert.Kind), "logged").Inc()
	}
	return nil
}

// Close is a no-op
func (p *LogPublisher) Close() error {
	return nil
}
