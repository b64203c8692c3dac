// Package directory implements the rotation controller's DirectoryClient
// collaborator: a pull-based HTTP query for the current epoch schedule.
// The node's own HTTP self-description surface is out of scope per
// spec.md §1; this is a client consuming someone else's endpoint.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nymgate/lp-gateway/internal/rotation"
)

// epochScheduleDTO is the wire shape returned by the directory's epoch
// endpoint.
type epochScheduleDTO struct {
	CurrentEpochID uint64 `json:"current_epoch_id"`
	EpochDuration  int64  `json:"epoch_duration_ms"`
	EpochStartTS   int64  `json:"epoch_start_ts_unix_ms"`
	ValidityEpochs uint64 `json:"validity_epochs"`
}

// HTTPClient pulls the epoch schedule from a directory's HTTP endpoint,
// retrying transient failures with a jittered exponential backoff per
// SPEC_FULL.md's ambient error-handling design.
type HTTPClient struct {
	BaseURL    string
	HTTPClient *http.Client
	MaxElapsed time.Duration
}

// NewHTTPClient constructs a directory HTTPClient against baseURL.
func NewHTTPClient(baseURL string, maxElapsed time.Duration) *HTTPClient {
	return &HTTPClient{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		MaxElapsed: maxElapsed,
	}
}

// FetchEpochSchedule implements rotation.DirectoryClient.
func (c *HTTPClient) FetchEpochSchedule(ctx context.Context) (rotation.EpochSchedule, error) {
	var out rotation.EpochSchedule

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = c.MaxElapsed

	op := func() error {
		dto, err := c.fetchOnce(ctx)
		if err != nil {
			return err
		}
		out = rotation.EpochSchedule{
			CurrentEpochID: dto.CurrentEpochID,
			EpochStartTS:   time.UnixMilli(dto.EpochStartTS),
			EpochDuration:  time.Duration(dto.EpochDuration) * time.Millisecond,
			ValidityEpochs: dto.ValidityEpochs,
		}
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return rotation.EpochSchedule{}, fmt.Errorf("fetch epoch schedule: %w", err)
	}

	return out, nil
}

func (c *HTTPClient) fetchOnce(ctx context.Context) (epochScheduleDTO, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/v1/epoch", nil)
	if err != nil {
		return epochScheduleDTO{}, fmt.Errorf("build directory request: %w", err)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return epochScheduleDTO{}, fmt.Errorf("directory request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return epochScheduleDTO{}, fmt.Errorf("directory returned status %d", resp.StatusCode)
	}

	var dto epochScheduleDTO
	if err := json.NewDecoder(resp.Body).Decode(&dto); err != nil {
		return epochScheduleDTO{}, fmt.Errorf("decode directory response: %w", err)
	}

	return dto, nil
}

// StaticClient is a test double returning a fixed schedule.
type StaticClient struct {
	Schedule rotation.EpochSchedule
	Err      error
}

// FetchEpochSchedule implements rotation.DirectoryClient.
func (c StaticClient) FetchEpochSchedule(context.Context) (rotation.EpochSchedule, error) {
	if c.Err != nil {
		return rotation.EpochSchedule{}, c.Err
	}
	return c.Schedule, nil
}
