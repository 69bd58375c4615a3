// Package apiclient implements the C3 API client: node lookup (with retry
// and an overall timeout) and heartbeat, both wrapped in a circuit breaker
// so a central service outage doesn't pile up goroutines hammering it.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rackerlabs/ironic-python-agent/internal/apierrors"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"github.com/sony/gobreaker"
)

// LookupResult is the parsed content of a successful lookup response.
type LookupResult struct {
	Node            map[string]interface{} `json:"node"`
	HeartbeatTimeout float64                `json:"heartbeat_timeout"`
	Config           map[string]interface{} `json:"config"`
}

// Client talks to the central provisioning service on behalf of the agent.
type Client struct {
	baseURL          string
	httpClient       *http.Client
	log              zerolog.Logger
	breaker          *gobreaker.CircuitBreaker
	startingInterval time.Duration
	timeout          time.Duration
}

// New builds an API client. startingInterval and timeout bound the lookup
// retry loop (spec.md §4.3); timeout is also used as the per-request HTTP
// client timeout.
func New(baseURL string, startingInterval, timeout time.Duration, log zerolog.Logger) *Client {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ironic-api-client",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})
	return &Client{
		baseURL:          baseURL,
		httpClient:       &http.Client{Timeout: timeout},
		log:              log,
		breaker:          breaker,
		startingInterval: startingInterval,
		timeout:          timeout,
	}
}

// LookupNode POSTs { version, inventory } to the driver-scoped lookup
// endpoint, retrying with exponential backoff until timeout elapses.
func (c *Client) LookupNode(ctx context.Context, driverName string, version int, inventory interface{}) (*LookupResult, error) {
	body, err := json.Marshal(map[string]interface{}{
		"version":   version,
		"inventory": inventory,
	})
	if err != nil {
		return nil, apierrors.LookupNodeError(err.Error())
	}

	url := fmt.Sprintf("%s/v1/drivers/%s/vendor_passthru/lookup", c.baseURL, driverName)

	backoff, err := retry.NewExponential(c.startingInterval)
	if err != nil {
		return nil, apierrors.LookupNodeError(err.Error())
	}
	backoff = retry.WithMaxDuration(c.timeout, backoff)

	var result *LookupResult
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		res, doErr := c.doLookup(ctx, url, body)
		if doErr != nil {
			c.log.Debug().Err(doErr).Msg("lookup attempt failed, retrying")
			return retry.RetryableError(doErr)
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, apierrors.LookupNodeError(err.Error())
	}
	return result, nil
}

func (c *Client) doLookup(ctx context.Context, url string, body []byte) (*LookupResult, error) {
	v, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusAccepted {
			return nil, fmt.Errorf("lookup returned unexpected status %d", resp.StatusCode)
		}

		var result LookupResult
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return nil, fmt.Errorf("decoding lookup response: %w", err)
		}
		if result.Node == nil || result.Node["uuid"] == nil {
			return nil, fmt.Errorf("lookup response missing node.uuid")
		}
		return &result, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*LookupResult), nil
}

// Heartbeat POSTs { agent_url } to the node-scoped heartbeat endpoint and
// returns the server's seconds-until-next-heartbeat hint parsed from the
// Heartbeat-Before response header.
func (c *Client) Heartbeat(ctx context.Context, nodeUUID, agentURL string) (float64, error) {
	url := fmt.Sprintf("%s/v1/nodes/%s/vendor_passthru/heartbeat", c.baseURL, nodeUUID)
	body, err := json.Marshal(map[string]string{"agent_url": agentURL})
	if err != nil {
		return 0, apierrors.HeartbeatError(err.Error())
	}

	v, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusNoContent {
			return nil, fmt.Errorf("heartbeat returned unexpected status %d", resp.StatusCode)
		}
		before := resp.Header.Get("Heartbeat-Before")
		seconds, err := strconv.ParseFloat(before, 64)
		if err != nil {
			return nil, fmt.Errorf("unparseable Heartbeat-Before header %q: %w", before, err)
		}
		return seconds, nil
	})
	if err != nil {
		return 0, apierrors.HeartbeatError(err.Error())
	}
	return v.(float64), nil
}
