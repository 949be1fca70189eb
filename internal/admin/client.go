package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/514-labs/moosestack-sub001/internal/infra"
	"github.com/514-labs/moosestack-sub001/internal/routine"
)

// ErrLegacyServer marks a server without /admin/inframap; callers fall back
// to the legacy plan protocol.
var ErrLegacyServer = errors.New("server does not expose /admin/inframap")

// Client talks to a remote management port.
type Client struct {
	base  *url.URL
	token string
	http  *http.Client
	log   *zap.Logger
}

// NewClient parses the base URL; token may be empty for open dev servers.
func NewClient(rawURL, token string, log *zap.Logger) (*Client, error) {
	base, err := url.Parse(rawURL)
	if err != nil {
		return nil, routine.Wrap("Invalid server URL", rawURL, err)
	}
	if base.Scheme == "" {
		return nil, routine.New("Invalid server URL", "missing scheme in "+rawURL)
	}
	return &Client{
		base:  base,
		token: token,
		http:  &http.Client{Timeout: 30 * time.Second},
		log:   log,
	}, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// retry runs op with exponential backoff; auth failures and legacy-server
// detection abort immediately.
func (c *Client) retry(ctx context.Context, op func() error) error {
	policy := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithMaxElapsedTime(30*time.Second)), ctx)
	return backoff.Retry(func() error {
		err := op()
		if errors.Is(err, ErrLegacyServer) {
			return backoff.Permanent(err)
		}
		var f *routine.Failure
		if errors.As(err, &f) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

// FetchInfraMap retrieves the remote target map, preferring protobuf.
// Returns ErrLegacyServer on 404 so the caller can fall back.
func (c *Client) FetchInfraMap(ctx context.Context) (*infra.Map, error) {
	var m *infra.Map
	err := c.retry(ctx, func() error {
		req, err := c.newRequest(ctx, http.MethodGet, "/admin/inframap", nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", contentTypeProtobuf)
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		switch resp.StatusCode {
		case http.StatusOK:
		case http.StatusNotFound:
			return ErrLegacyServer
		case http.StatusUnauthorized:
			return routine.New("Unauthorized", "the server rejected the admin token; pass --token or set MOOSE_ADMIN_TOKEN")
		default:
			return fmt.Errorf("GET /admin/inframap: unexpected status %d", resp.StatusCode)
		}

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if strings.Contains(resp.Header.Get("Content-Type"), contentTypeProtobuf) {
			m, err = infra.FromProto(data)
		} else {
			m, err = infra.FromJSON(data)
		}
		if err != nil {
			return routine.Wrap("Could not decode remote map", "the server sent an unreadable payload", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// LegacyPlan posts the target map to /admin/plan and returns the server's
// change descriptions. Used against servers predating /admin/inframap.
func (c *Client) LegacyPlan(ctx context.Context, target *infra.Map) ([]string, error) {
	body, err := target.ToJSON()
	if err != nil {
		return nil, err
	}
	var changes []string
	err = c.retry(ctx, func() error {
		req, err := c.newRequest(ctx, http.MethodPost, "/admin/plan", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode == http.StatusUnauthorized {
			return routine.New("Unauthorized", "the server rejected the admin token; pass --token or set MOOSE_ADMIN_TOKEN")
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("POST /admin/plan: unexpected status %d", resp.StatusCode)
		}
		var payload struct {
			Changes []string `json:"changes"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return routine.Wrap("Could not decode plan response", "the server sent an unreadable payload", err)
		}
		changes = payload.Changes
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changes, nil
}

// RealityCheck fetches the discrepancy report.
func (c *Client) RealityCheck(ctx context.Context) (*RealityCheckResponse, error) {
	var out RealityCheckResponse
	err := c.retry(ctx, func() error {
		req, err := c.newRequest(ctx, http.MethodGet, "/admin/reality-check", nil)
		if err != nil {
			return err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("GET /admin/reality-check: unexpected status %d", resp.StatusCode)
		}
		return json.NewDecoder(resp.Body).Decode(&out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// IntegrateChanges asks the server to adopt the named tables.
func (c *Client) IntegrateChanges(ctx context.Context, tables []string) (*IntegrateResponse, error) {
	body, err := json.Marshal(IntegrateRequest{Tables: tables})
	if err != nil {
		return nil, err
	}
	var out IntegrateResponse
	err = c.retry(ctx, func() error {
		req, err := c.newRequest(ctx, http.MethodPost, "/admin/integrate-changes", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("POST /admin/integrate-changes: unexpected status %d", resp.StatusCode)
		}
		return json.NewDecoder(resp.Body).Decode(&out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}
