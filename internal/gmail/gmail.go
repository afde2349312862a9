// Package gmail adapts the Gmail API to the executor's capability surface.
// It holds no queue logic: every method is one provider call whose raw error
// is passed straight back for classification.
package gmail

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/trimbox/actionq/internal/config"
)

const userAgent = "actionq/1.0"

// Client implements the email action capability against a Gmail account.
type Client struct {
	svc  *gmailapi.UsersService
	http *http.Client
}

// NewClient builds a Client from stored OAuth material. Token acquisition is
// the desktop app's sign-in flow; this only consumes the files it wrote.
func NewClient(ctx context.Context, cfg config.GmailConfig) (*Client, error) {
	creds, err := os.ReadFile(cfg.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	// Hard delete needs the full mail scope; modify covers everything else.
	oauthCfg, err := google.ConfigFromJSON(creds, gmailapi.MailGoogleComScope)
	if err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}

	tokData, err := os.ReadFile(cfg.TokenFile)
	if err != nil {
		return nil, fmt.Errorf("read token: %w", err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(tokData, &tok); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	httpClient := oauth2.NewClient(ctx, oauthCfg.TokenSource(ctx, &tok))
	svc, err := gmailapi.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("gmail service: %w", err)
	}
	return &Client{svc: svc.Users, http: httpClient}, nil
}

// Trash moves the message to Gmail's trash folder.
func (c *Client) Trash(ctx context.Context, emailID string) error {
	_, err := c.svc.Messages.Trash("me", emailID).Context(ctx).Do()
	return err
}

// Delete removes the message. A permanent delete bypasses the trash folder
// entirely; otherwise it behaves like Trash.
func (c *Client) Delete(ctx context.Context, emailID string, permanent bool) error {
	if permanent {
		return c.svc.Messages.Delete("me", emailID).Context(ctx).Do()
	}
	_, err := c.svc.Messages.Trash("me", emailID).Context(ctx).Do()
	return err
}

// ModifyLabels applies and removes label sets in one call.
func (c *Client) ModifyLabels(ctx context.Context, emailID string, add, remove []string) error {
	_, err := c.svc.Messages.Modify("me", emailID, &gmailapi.ModifyMessageRequest{
		AddLabelIds:    add,
		RemoveLabelIds: remove,
	}).Context(ctx).Do()
	return err
}

// ReportSpam marks the message as spam by moving it to the SPAM label.
func (c *Client) ReportSpam(ctx context.Context, emailID string) error {
	return c.ModifyLabels(ctx, emailID, []string{"SPAM"}, []string{"INBOX"})
}

// ReportPhishing reports a phishing message. The public API has no dedicated
// phishing endpoint, so this is the same label move as spam; the distinction
// lives in the queue's priority and audit trail.
func (c *Client) ReportPhishing(ctx context.Context, emailID string) error {
	return c.ModifyLabels(ctx, emailID, []string{"SPAM"}, []string{"INBOX"})
}

// RequestUnsubscribe performs the one-click HTTP unsubscribe request
// (RFC 2369) and returns the response status. A transport failure returns 0
// and the error; a completed request returns its status with no error — the
// caller decides what a non-2xx means.
func (c *Client) RequestUnsubscribe(ctx context.Context, url string) (int, error) {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return 0, fmt.Errorf("invalid unsubscribe url %q", url)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("build unsubscribe request: %w", err)
	}
	// Some unsubscribe endpoints reject requests without a user agent.
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused; the body itself is irrelevant.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	return resp.StatusCode, nil
}
