package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cloudtolocalllm/relay/internal/apperr"
	"github.com/cloudtolocalllm/relay/internal/registry"
)

// HTTPRegistryClient talks to the tunnel registry's discover endpoint
// using the container identity headers.
type HTTPRegistryClient struct {
	BaseURL        string
	UserID         string
	ContainerToken string
	ContainerID    string

	// Timeout is the per-call deadline. Zero means 10s.
	Timeout time.Duration

	httpc *http.Client
}

func NewHTTPRegistryClient(baseURL, userID, containerToken, containerID string) *HTTPRegistryClient {
	return &HTTPRegistryClient{
		BaseURL:        baseURL,
		UserID:         userID,
		ContainerToken: containerToken,
		ContainerID:    containerID,
		Timeout:        10 * time.Second,
		httpc:          &http.Client{},
	}
}

type discoverResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Available  bool                 `json:"available"`
		TunnelInfo *registry.Descriptor `json:"tunnelInfo"`
	} `json:"data"`
}

func (c *HTTPRegistryClient) Discover(ctx context.Context) (*registry.Descriptor, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := fmt.Sprintf("%s/api/tunnels/discover/%s", c.BaseURL, c.UserID)
	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build discover request: %w", err)
	}
	req.Header.Set("X-Container-Token", c.ContainerToken)
	req.Header.Set("X-Container-Id", c.ContainerID)

	resp, err := c.httpc.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("discover: %w", apperr.ErrTimeout)
		}
		return nil, fmt.Errorf("discover: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("no tunnel registered: %w", apperr.ErrUnavailable)
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, fmt.Errorf("discover rejected: %w", apperr.ErrAuthentication)
	default:
		return nil, fmt.Errorf("discover returned %d", resp.StatusCode)
	}

	var body discoverResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode discover response: %w", err)
	}
	if !body.Success || !body.Data.Available || body.Data.TunnelInfo == nil {
		return nil, fmt.Errorf("no tunnel available: %w", apperr.ErrUnavailable)
	}
	return body.Data.TunnelInfo, nil
}
