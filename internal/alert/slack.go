package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/aelhadee/247trader-V2-sub000/internal/core"
)

// SlackSink posts alerts to a Slack incoming webhook
type SlackSink struct {
	webhookURL string
	client     *http.Client
}

// NewSlackSink creates a Slack webhook sink
func NewSlackSink(webhookURL string) *SlackSink {
	return &SlackSink{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *SlackSink) Name() string { return "slack" }

var severityEmoji = map[core.AlertSeverity]string{
	core.SeverityInfo:     ":information_source:",
	core.SeverityWarning:  ":warning:",
	core.SeverityError:    ":x:",
	core.SeverityCritical: ":rotating_light:",
}

// Send posts the event as a Slack message
func (s *SlackSink) Send(ctx context.Context, event core.AlertEvent) error {
	text := fmt.Sprintf("%s *[%s]* %s: %s",
		severityEmoji[event.Severity], event.Severity, event.Type, event.Summary)
	if event.Symbol != "" {
		text += " (" + event.Symbol + ")"
	}
	if len(event.Detail) > 0 {
		detail, err := json.Marshal(event.Detail)
		if err == nil {
			text += "\n```" + string(detail) + "```"
		}
	}

	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// LogSink writes alerts to the structured log; always configured as the
// sink of last resort
type LogSink struct {
	logger core.ILogger
}

// NewLogSink creates a log-backed sink
func NewLogSink(logger core.ILogger) *LogSink {
	return &LogSink{logger: logger.WithField("component", "alert_log_sink")}
}

func (s *LogSink) Name() string { return "log" }

// Send writes the event at a level matching its severity
func (s *LogSink) Send(_ context.Context, event core.AlertEvent) error {
	fields := []interface{}{
		"alert_type", event.Type,
		"summary", event.Summary,
	}
	if event.Symbol != "" {
		fields = append(fields, "symbol", event.Symbol)
	}
	for k, v := range event.Detail {
		fields = append(fields, k, v)
	}

	switch event.Severity {
	case core.SeverityCritical, core.SeverityError:
		s.logger.Error("Alert", fields...)
	case core.SeverityWarning:
		s.logger.Warn("Alert", fields...)
	default:
		s.logger.Info("Alert", fields...)
	}
	return nil
}
