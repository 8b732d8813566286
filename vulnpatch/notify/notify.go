// Package notify forwards critical findings to an out-of-band channel.
package notify

import (
	"context"
	"fmt"
	"strconv"

	"github.com/slack-go/slack"
)

// Critical describes one critical finding of a completed job.
type Critical struct {
	OwnerID     string
	JobID       uint
	Filename    string
	Host        string
	Port        int
	ServiceName string
	Version     string
	CVEID       string
	Score       *float64
	Description string
}

// Notifier delivers critical findings.
type Notifier interface {
	NotifyCritical(ctx context.Context, c Critical) error
}

// Noop discards every notification.
type Noop struct{}

func (Noop) NotifyCritical(context.Context, Critical) error { return nil }

// postFunc matches slack.PostWebhookContext.
type postFunc func(ctx context.Context, url string, msg *slack.WebhookMessage) error

// Slack posts to an incoming webhook.
type Slack struct {
	webhookURL string
	post       postFunc
}

// New returns a Slack notifier for webhookURL, or Noop when it is empty.
func New(webhookURL string) Notifier {
	if webhookURL == "" {
		return Noop{}
	}
	return &Slack{webhookURL: webhookURL, post: slack.PostWebhookContext}
}

func (s *Slack) NotifyCritical(ctx context.Context, c Critical) error {
	if err := s.post(ctx, s.webhookURL, message(c)); err != nil {
		return fmt.Errorf("failed to post slack webhook: %w", err)
	}
	return nil
}

func message(c Critical) *slack.WebhookMessage {
	fields := []slack.AttachmentField{
		{Title: "Host", Value: fmt.Sprintf("%s:%d", c.Host, c.Port), Short: true},
		{Title: "Service", Value: c.ServiceName + " " + c.Version, Short: true},
		{Title: "Scan", Value: fmt.Sprintf("#%d %s", c.JobID, c.Filename), Short: true},
		{Title: "Owner", Value: c.OwnerID, Short: true},
	}
	if c.CVEID != "" {
		fields = append(fields, slack.AttachmentField{Title: "CVE", Value: c.CVEID, Short: true})
	}
	if c.Score != nil {
		fields = append(fields, slack.AttachmentField{Title: "CVSS", Value: strconv.FormatFloat(*c.Score, 'f', 1, 64), Short: true})
	}
	return &slack.WebhookMessage{
		Text: "Critical Vulnerability Detected",
		Attachments: []slack.Attachment{{
			Color:  "danger",
			Title:  fmt.Sprintf("Critical finding on %s", c.ServiceName),
			Text:   c.Description,
			Fields: fields,
		}},
	}
}
