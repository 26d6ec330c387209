// Package hostapi talks to the host automation platform's REST API and
// exposes the platform's capabilities as gateway tools. All mutating
// operations pass the security blocklists before they reach the platform.
package hostapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultTimeout bounds each platform API call.
const DefaultTimeout = 10 * time.Second

// Config configures a [Client].
type Config struct {
	// BaseURL is the platform API root, e.g. "http://homeassistant.local:8123".
	BaseURL string

	// Token is the long-lived bearer token.
	Token string

	// Timeout per request. Defaults to 10s.
	Timeout time.Duration
}

// Client is a thin REST client for the host platform. A circuit breaker
// around all requests rejects calls fast while the platform keeps failing.
type Client struct {
	base    string
	token   string
	http    *http.Client
	breaker *breaker
	log     *slog.Logger
}

// NewClient validates cfg and returns a client.
func NewClient(cfg Config) (*Client, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("hostapi: invalid base URL %q", cfg.BaseURL)
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("hostapi: token is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http:    &http.Client{Timeout: timeout},
		breaker: newBreaker(),
		log:     slog.With("component", "hostapi"),
	}, nil
}

// EntityState is one entity's current state as reported by the platform.
type EntityState struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged string         `json:"last_changed"`
}

// FriendlyName returns the entity's display name, falling back to its id.
func (s EntityState) FriendlyName() string {
	if n, ok := s.Attributes["friendly_name"].(string); ok && n != "" {
		return n
	}
	return s.EntityID
}

// HistoryPoint is one recorded state change.
type HistoryPoint struct {
	State       string `json:"state"`
	LastChanged string `json:"last_changed"`
}

// Area is one platform area, optionally with its entities.
type Area struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Entities []string `json:"entities,omitempty"`
}

// Ping checks API reachability. Used by the readiness probe.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/", nil, nil)
}

// CallService invokes domain.service with the given data and target.
func (c *Client) CallService(ctx context.Context, domain, service string, data, target map[string]any) error {
	body := make(map[string]any, len(data)+1)
	for k, v := range data {
		body[k] = v
	}
	// The REST API flattens the target into the service payload.
	for k, v := range target {
		body[k] = v
	}
	path := "/api/services/" + url.PathEscape(domain) + "/" + url.PathEscape(service)
	return c.do(ctx, http.MethodPost, path, body, nil)
}

// States returns all entity states.
func (c *Client) States(ctx context.Context) ([]EntityState, error) {
	var out []EntityState
	if err := c.do(ctx, http.MethodGet, "/api/states", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// State returns one entity's state, or nil when the entity does not exist.
func (c *Client) State(ctx context.Context, entityID string) (*EntityState, error) {
	var out EntityState
	err := c.do(ctx, http.MethodGet, "/api/states/"+url.PathEscape(entityID), nil, &out)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && se.code == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &out, nil
}

// History returns state changes for the given entities over the last hours.
// hours is clamped to [1, 8760].
func (c *Client) History(ctx context.Context, entityIDs []string, hours int) (map[string][]HistoryPoint, error) {
	if len(entityIDs) == 0 {
		return nil, fmt.Errorf("hostapi: history requires at least one entity id")
	}
	if hours < 1 {
		hours = 1
	}
	if hours > 8760 {
		hours = 8760
	}
	start := time.Now().Add(-time.Duration(hours) * time.Hour).UTC().Format(time.RFC3339)

	q := url.Values{}
	q.Set("filter_entity_id", strings.Join(entityIDs, ","))
	q.Set("minimal_response", "")
	path := "/api/history/period/" + url.PathEscape(start) + "?" + q.Encode()

	// The platform answers with one list of points per requested entity.
	var raw [][]struct {
		EntityID    string `json:"entity_id"`
		State       string `json:"state"`
		LastChanged string `json:"last_changed"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}

	out := make(map[string][]HistoryPoint, len(entityIDs))
	for _, id := range entityIDs {
		out[id] = nil
	}
	for _, series := range raw {
		if len(series) == 0 {
			continue
		}
		id := series[0].EntityID
		points := make([]HistoryPoint, 0, len(series))
		for _, p := range series {
			points = append(points, HistoryPoint{State: p.State, LastChanged: p.LastChanged})
		}
		out[id] = points
	}
	return out, nil
}

// areaTemplate renders the area registry as JSON through the platform's
// template endpoint; the REST API has no direct area listing.
const areaTemplate = `[{% for id in areas() %}{"id":{{ id | tojson }},"name":{{ area_name(id) | tojson }},"entities":{{ area_entities(id) | list | tojson }}}{% if not loop.last %},{% endif %}{% endfor %}]`

// Areas lists all areas. When includeEntities is false the entity lists are
// stripped from the result.
func (c *Client) Areas(ctx context.Context, includeEntities bool) ([]Area, error) {
	req := map[string]any{"template": areaTemplate}

	httpReq, err := c.newRequest(ctx, http.MethodPost, "/api/template", req)
	if err != nil {
		return nil, err
	}
	resp, err := c.send(httpReq)
	if err != nil {
		return nil, fmt.Errorf("hostapi: render areas: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, newStatusError(resp)
	}

	// The template endpoint returns rendered text, not JSON-typed output.
	rendered, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("hostapi: read areas: %w", err)
	}
	var areas []Area
	if err := json.Unmarshal(rendered, &areas); err != nil {
		return nil, fmt.Errorf("hostapi: decode areas: %w", err)
	}
	if !includeEntities {
		for i := range areas {
			areas[i].Entities = nil
		}
	}
	return areas, nil
}

// FireEvent fires eventType on the platform's event bus.
func (c *Client) FireEvent(ctx context.Context, eventType string, data map[string]any) error {
	return c.do(ctx, http.MethodPost, "/api/events/"+url.PathEscape(eventType), data, nil)
}

// TurnOnScript runs a script entity, passing variables when given.
func (c *Client) TurnOnScript(ctx context.Context, entityID string, variables map[string]any) error {
	data := map[string]any{"entity_id": entityID}
	if len(variables) > 0 {
		data["variables"] = variables
	}
	return c.CallService(ctx, "script", "turn_on", data, nil)
}

// TriggerAutomation triggers an automation entity.
func (c *Client) TriggerAutomation(ctx context.Context, entityID string) error {
	return c.CallService(ctx, "automation", "trigger", map[string]any{"entity_id": entityID}, nil)
}

// statusError carries a non-2xx platform response.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("hostapi: platform returned %d: %s", e.code, e.body)
}

func newStatusError(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(snippet))}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("hostapi: encode request: %w", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return nil, fmt.Errorf("hostapi: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// errServerStatus marks a 5xx response for breaker accounting; callers still
// receive the response itself and surface a statusError from it.
var errServerStatus = errors.New("hostapi: server error status")

// send executes req through the circuit breaker. Transport failures and 5xx
// responses count against the breaker; 4xx responses do not.
func (c *Client) send(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	execErr := c.breaker.do(func() error {
		r, err := c.http.Do(req)
		if err != nil {
			return err
		}
		resp = r
		if r.StatusCode >= 500 {
			return errServerStatus
		}
		return nil
	})
	if resp != nil {
		return resp, nil
	}
	return nil, execErr
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.send(req)
	if err != nil {
		return fmt.Errorf("hostapi: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return newStatusError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("hostapi: decode %s response: %w", path, err)
	}
	return nil
}
