package directory

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"
)

// HTTPStatsSender implements stats.MixnetSender by POSTing the serialized
// report bundle to the recipient URL. The mixnet-level transport (wrapping
// the report in a Sphinx packet addressed via a reply-SURB) is out of
// scope here; this is the same plain HTTP posture HTTPClient already uses
// for the directory's epoch endpoint, pointed the other direction.
type HTTPStatsSender struct {
	HTTPClient *http.Client
}

// NewHTTPStatsSender constructs an HTTPStatsSender with a bounded request
// timeout.
func NewHTTPStatsSender() *HTTPStatsSender {
	return &HTTPStatsSender{HTTPClient: &http.Client{Timeout: 10 * time.Second}}
}

// SendReport implements stats.MixnetSender.
func (s *HTTPStatsSender) SendReport(ctx context.Context, recipient string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, recipient, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build stats report request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("send stats report: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("stats report recipient returned status %d", resp.StatusCode)
	}

	return nil
}
