package alert

import (
	"context"
	"fmt"
	"time"

	httpclient "tradecore/pkg/http"
)

// SlackChannel posts notifications to a Slack incoming webhook.
type SlackChannel struct {
	webhookURL string
	client     *httpclient.Client
}

func NewSlackChannel(webhookURL string) *SlackChannel {
	return &SlackChannel{
		webhookURL: webhookURL,
		client:     httpclient.NewClient("", 5*time.Second, nil),
	}
}

func (s *SlackChannel) Name() string { return "slack" }

func (s *SlackChannel) Send(ctx context.Context, note Notification) error {
	color := "#36a64f"
	switch note.Level {
	case LevelWarning:
		color = "#ffcc00"
	case LevelError:
		color = "#ff0000"
	case LevelCritical:
		color = "#8b0000"
	}

	var fields []map[string]interface{}
	for k, v := range note.Fields {
		fields = append(fields, map[string]interface{}{
			"title": k,
			"value": v,
			"short": true,
		})
	}

	payload := map[string]interface{}{
		"attachments": []map[string]interface{}{
			{
				"color":   color,
				"pretext": fmt.Sprintf("[%s] %s", note.Level, note.Title),
				"text":    note.Message,
				"fields":  fields,
				"ts":      note.Timestamp.Unix(),
				"footer":  "tradecore",
			},
		},
	}

	if _, err := s.client.Post(ctx, s.webhookURL, payload); err != nil {
		return fmt.Errorf("slack webhook: %w", err)
	}
	return nil
}
