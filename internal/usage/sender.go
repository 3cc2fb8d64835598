package usage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/mozaiks/core/pkg/runtime"
)

// HTTPSender posts usage batches to the platform's billing collector
// as `{ "events": [...] }`, treating any 2xx response as success.
// Token is a static bearer credential; TokenSource, when set, takes
// precedence and is re-queried on every Send so a rotated OIDC client-
// credentials token is always current instead of pinned at startup.
type HTTPSender struct {
	URL         string
	Token       string
	TokenSource oauth2.TokenSource
	HTTPClient  *http.Client
}

// NewOAuthHTTPSender builds a Sender that authenticates to the billing
// collector via the OIDC client-credentials grant instead of a static
// bearer token, for platform deployments that rotate service
// credentials rather than issuing a fixed token.
func NewOAuthHTTPSender(url, tokenURL, clientID, clientSecret string, scopes []string) *HTTPSender {
	cfg := clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
		Scopes:       scopes,
	}
	return &HTTPSender{URL: url, TokenSource: cfg.TokenSource(context.Background())}
}

type batchPayload struct {
	Events []runtime.UsageEvent `json:"events"`
}

// Send implements Sender.
func (s *HTTPSender) Send(ctx context.Context, events []runtime.UsageEvent) error {
	client := s.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	body, err := json.Marshal(batchPayload{Events: events})
	if err != nil {
		return fmt.Errorf("usage: marshal batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("usage: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case s.TokenSource != nil:
		tok, err := s.TokenSource.Token()
		if err != nil {
			return fmt.Errorf("usage: client-credentials token: %w", err)
		}
		tok.SetAuthHeader(req)
	case s.Token != "":
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("usage: send batch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("usage: billing collector returned status %d", resp.StatusCode)
	}
	return nil
}

// retrySend drives a Sender with exponential backoff and jitter,
// bounded so a persistently unreachable collector cannot stall the
// flush loop indefinitely.
func retrySend(ctx context.Context, sender Sender, events []runtime.UsageEvent) error {
	op := func() (struct{}, error) {
		err := sender.Send(ctx, events)
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, nil
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(5),
	)
	return err
}
