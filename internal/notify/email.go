package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

const postmarkURL = "https://api.postmarkapp.com/email"

// EmailNotifier sends operator alert emails through Postmark.
type EmailNotifier struct {
	serverToken string
	fromEmail   string
	toEmail     string
	httpClient  *http.Client
}

type Option func(*EmailNotifier)

func WithHTTPClient(c *http.Client) Option {
	return func(n *EmailNotifier) {
		n.httpClient = c
	}
}

func NewEmailNotifier(serverToken, fromEmail, toEmail string, opts ...Option) *EmailNotifier {
	n := &EmailNotifier{
		serverToken: serverToken,
		fromEmail:   fromEmail,
		toEmail:     toEmail,
		httpClient:  http.DefaultClient,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Configured returns true if the server token and recipient are set.
func (n *EmailNotifier) Configured() bool {
	return n.serverToken != "" && n.toEmail != ""
}

type postmarkEmail struct {
	From     string `json:"From"`
	To       string `json:"To"`
	Subject  string `json:"Subject"`
	TextBody string `json:"TextBody"`
}

func (n *EmailNotifier) Notify(ctx context.Context, ev Event) error {
	if !n.Configured() {
		return fmt.Errorf("email notifier not configured: missing server token or recipient")
	}

	var subject string
	switch ev.Outcome {
	case OutcomeSuccess:
		subject = fmt.Sprintf("Backup completed: %s %s", ev.Type, ev.BackupID)
	default:
		subject = fmt.Sprintf("Backup FAILED: %s %s", ev.Type, ev.BackupID)
	}

	textBody := fmt.Sprintf("Backup %s\n\nType: %s\nOutcome: %s\n\n%s",
		ev.BackupID, ev.Type, ev.Outcome, ev.Details)

	payload := postmarkEmail{
		From:     n.fromEmail,
		To:       n.toEmail,
		Subject:  subject,
		TextBody: textBody,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal email: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", postmarkURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", n.serverToken)

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("postmark API error: status %d", resp.StatusCode)
	}

	return nil
}
