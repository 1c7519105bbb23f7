package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"swarmengine/internal/domain"
)

// Slack posts terminal task outcomes to a Slack incoming webhook.
// Notifications are best-effort: failures are logged and dropped.
type Slack struct {
	url    string
	client *http.Client
}

func NewSlack(webhookURL string) *Slack {
	return &Slack{
		url:    webhookURL,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type slackBlock struct {
	Type   string      `json:"type"`
	Text   *slackText  `json:"text,omitempty"`
	Fields []slackText `json:"fields,omitempty"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Blocks []slackBlock `json:"blocks"`
}

type slackPayload struct {
	Attachments []slackAttachment `json:"attachments"`
}

// NotifyResult implements engine.Notifier.
func (s *Slack) NotifyResult(task domain.Task, result domain.TaskResult) {
	color, status := "#FF0000", "Failed"
	if result.Success {
		color, status = "#36A64F", "Completed"
	}

	summary := result.Summary
	if utf8.RuneCountInString(summary) > 2500 {
		summary = string([]rune(summary)[:2500]) + "\n... (truncated)"
	}
	if summary == "" {
		summary = "_No output_"
	}

	fields := []slackText{
		{Type: "mrkdwn", Text: fmt.Sprintf("*Status:*\n%s", status)},
		{Type: "mrkdwn", Text: fmt.Sprintf("*Addressee:*\n`%s`", task.Addressee)},
	}
	if result.DurationMS > 0 {
		d := time.Duration(result.DurationMS) * time.Millisecond
		fields = append(fields, slackText{Type: "mrkdwn", Text: fmt.Sprintf("*Duration:*\n%s", d.Round(time.Second))})
	}
	if result.CostUSD > 0 {
		fields = append(fields, slackText{Type: "mrkdwn", Text: fmt.Sprintf("*Cost:*\n$%.2f", result.CostUSD)})
	}

	payload := slackPayload{
		Attachments: []slackAttachment{{
			Color: color,
			Blocks: []slackBlock{
				{Type: "section", Text: &slackText{Type: "mrkdwn", Text: fmt.Sprintf("*Task %s*", task.ID)}},
				{Type: "section", Fields: fields},
				{Type: "section", Text: &slackText{Type: "mrkdwn", Text: summary}},
			},
		}},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal slack payload")
		return
	}

	resp, err := s.client.Post(s.url, "application/json", bytes.NewReader(body))
	if err != nil {
		log.Error().Err(err).Str("task_id", task.ID).Msg("slack notification failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Error().Int("status", resp.StatusCode).Str("task_id", task.ID).
			Msg("slack notification rejected")
	}
}
