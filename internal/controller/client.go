// Package controller is the outbound HTTP client for the display controller:
// the catalog reads the /api facade proxies, and the placard and
// current-experience mutations the auth manager and router drive.
package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/BYU-PCCL/footron-api/internal/metrics"
	"github.com/BYU-PCCL/footron-api/internal/store"
)

const (
	endpointExperiences       = "/experiences"
	endpointCollections       = "/collections"
	endpointFolders           = "/folders"
	endpointCurrent           = "/current"
	endpointPlacardURL        = "/placard/url"
	endpointPlacardExperience = "/placard/experience"
	// endpointPlacardLegacy is the pre-split placard endpoint still served
	// by older controllers.
	endpointPlacardLegacy = "/placard"
)

const fieldLastUpdate = "last_update"

// JSONDict is an arbitrary JSON object from the controller.
type JSONDict = map[string]any

// Placard is the controller's placard state. A nil URL means the placard has
// been cleared.
type Placard struct {
	URL        *string `json:"url"`
	Experience *string `json:"experience,omitempty"`
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

// WithLogger sets the client's logger.
func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.logger = l } }

// WithMetrics records outbound call counts on m.
func WithMetrics(m *metrics.Registry) Option { return func(c *Client) { c.metrics = m } }

// WithStore enables palette lookups and stale-snapshot fallback through s.
func WithStore(s store.Store) Option { return func(c *Client) { c.store = s } }

// Client talks to the controller API. Catalog responses are cached in memory
// and invalidated when the current experience's last_update changes.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
	metrics *metrics.Registry
	store   store.Store

	mu          sync.Mutex
	experiences JSONDict
	collections JSONDict
	current     JSONDict
	lastUpdate  any
}

// New creates a controller client for the given base URL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		logger:  slog.Default().With(slog.String("component", "controller")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Experiences returns the experience catalog decorated with view fields.
func (c *Client) Experiences(ctx context.Context, useCache bool) (JSONDict, error) {
	c.mu.Lock()
	cached := c.experiences
	c.mu.Unlock()
	if useCache && cached != nil {
		return cached, nil
	}

	var raw map[string]JSONDict
	if err := c.getJSON(ctx, endpointExperiences, &raw); err != nil {
		if stale, ok := c.staleSnapshot(ctx, endpointExperiences); ok {
			c.logger.Warn("serving stale experiences", slog.String("error", err.Error()))
			return stale, nil
		}
		return nil, err
	}

	decorated := make(JSONDict, len(raw))
	for id, experience := range raw {
		decorated[id] = c.addViewFields(ctx, id, experience)
	}

	c.mu.Lock()
	c.experiences = decorated
	c.mu.Unlock()
	c.saveSnapshot(ctx, endpointExperiences, decorated)
	return decorated, nil
}

// Collections returns the collection catalog.
func (c *Client) Collections(ctx context.Context, useCache bool) (JSONDict, error) {
	c.mu.Lock()
	cached := c.collections
	c.mu.Unlock()
	if useCache && cached != nil {
		return cached, nil
	}

	var raw JSONDict
	if err := c.getJSON(ctx, endpointCollections, &raw); err != nil {
		if stale, ok := c.staleSnapshot(ctx, endpointCollections); ok {
			c.logger.Warn("serving stale collections", slog.String("error", err.Error()))
			return stale, nil
		}
		return nil, err
	}

	c.mu.Lock()
	c.collections = raw
	c.mu.Unlock()
	c.saveSnapshot(ctx, endpointCollections, raw)
	return raw, nil
}

// Folders returns the folder layout. Never cached; it is only read on the
// rarely-hit management paths.
func (c *Client) Folders(ctx context.Context) (JSONDict, error) {
	var raw JSONDict
	if err := c.getJSON(ctx, endpointFolders, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// CurrentExperience returns the experience on the display, decorated with
// view fields. A change in its last_update field invalidates every cache.
func (c *Client) CurrentExperience(ctx context.Context, useCache bool) (JSONDict, error) {
	c.mu.Lock()
	cached := c.current
	c.mu.Unlock()
	if useCache && cached != nil {
		if _, ok := cached[fieldLastUpdate]; ok {
			return cached, nil
		}
	}

	var raw JSONDict
	if err := c.getJSON(ctx, endpointCurrent, &raw); err != nil {
		return nil, err
	}

	id, _ := raw["id"].(string)
	decorated := c.addViewFields(ctx, id, raw)

	c.mu.Lock()
	c.current = decorated
	if lastUpdate, ok := decorated[fieldLastUpdate]; ok && lastUpdate != c.lastUpdate {
		c.lastUpdate = lastUpdate
		// A controller-side update means the catalog may have changed too.
		c.experiences = nil
		c.collections = nil
	}
	c.mu.Unlock()
	return decorated, nil
}

// SetCurrentExperience asks the controller to show the experience with the
// given id.
func (c *Client) SetCurrentExperience(ctx context.Context, id string) (JSONDict, error) {
	var out JSONDict
	if err := c.sendJSON(ctx, http.MethodPut, endpointCurrent, JSONDict{"id": id}, &out); err != nil {
		return nil, err
	}
	c.invalidateCurrent()
	return out, nil
}

// PatchCurrentExperience forwards fields onto the current experience
// unchanged.
func (c *Client) PatchCurrentExperience(ctx context.Context, fields map[string]any) error {
	if err := c.sendJSON(ctx, http.MethodPatch, endpointCurrent, fields, nil); err != nil {
		return err
	}
	c.invalidateCurrent()
	return nil
}

// Placard returns the controller's placard state. Never cached.
func (c *Client) Placard(ctx context.Context) (Placard, error) {
	var p Placard
	if err := c.getJSON(ctx, endpointPlacardURL, &p); err == nil {
		return p, nil
	}
	// Older controllers only serve the combined endpoint.
	if err := c.getJSON(ctx, endpointPlacardLegacy, &p); err != nil {
		return Placard{}, err
	}
	return p, nil
}

// PlacardURL reports the placard's URL; nil means cleared.
func (c *Client) PlacardURL(ctx context.Context) (*string, error) {
	p, err := c.Placard(ctx)
	if err != nil {
		return nil, err
	}
	return p.URL, nil
}

// PatchPlacardURL replaces the placard QR target, falling back to the legacy
// endpoint when the controller predates the split placard API.
func (c *Client) PatchPlacardURL(ctx context.Context, url string) error {
	err := c.sendJSON(ctx, http.MethodPatch, endpointPlacardURL, JSONDict{"url": url}, nil)
	if err == nil {
		return nil
	}
	return c.sendJSON(ctx, http.MethodPatch, endpointPlacardLegacy, JSONDict{"url": url}, nil)
}

// PatchPlacardExperience updates the experience info shown on the placard.
func (c *Client) PatchPlacardExperience(ctx context.Context, fields map[string]any) error {
	return c.sendJSON(ctx, http.MethodPatch, endpointPlacardExperience, fields, nil)
}

func (c *Client) invalidateCurrent() {
	c.mu.Lock()
	c.current = nil
	c.mu.Unlock()
}

// addViewFields decorates an experience with the palette and thumbnail
// fields the web frontend expects.
func (c *Client) addViewFields(ctx context.Context, id string, experience JSONDict) JSONDict {
	colors := store.DefaultColors
	if c.store != nil && id != "" {
		if found, err := c.store.Colors(ctx, id); err == nil {
			colors = found
		} else {
			c.logger.Warn("no colors for experience", slog.String("experience", id))
		}
	}

	out := make(JSONDict, len(experience)+2)
	for k, v := range experience {
		out[k] = v
	}
	out["colors"] = JSONDict{
		"primary":        colors.Primary,
		"secondaryLight": colors.SecondaryLight,
		"secondaryDark":  colors.SecondaryDark,
	}
	out["thumbnails"] = JSONDict{
		"wide":  fmt.Sprintf("/static/icons/wide/%s.jpg", id),
		"thumb": fmt.Sprintf("/static/icons/thumbs/%s.jpg", id),
	}
	return out
}

func (c *Client) saveSnapshot(ctx context.Context, endpoint string, payload JSONDict) {
	if c.store == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := c.store.PutSnapshot(ctx, endpoint, raw); err != nil {
		c.logger.Warn("snapshot save failed", slog.String("endpoint", endpoint), slog.String("error", err.Error()))
	}
}

func (c *Client) staleSnapshot(ctx context.Context, endpoint string) (JSONDict, bool) {
	if c.store == nil {
		return nil, false
	}
	raw, _, err := c.store.Snapshot(ctx, endpoint)
	if err != nil {
		return nil, false
	}
	var out JSONDict
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, false
	}
	return out, true
}

func (c *Client) getJSON(ctx context.Context, endpoint string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request for %s: %w", endpoint, err)
	}
	return c.do(req, endpoint, v)
}

func (c *Client) sendJSON(ctx context.Context, method, endpoint string, body any, v any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode body for %s: %w", endpoint, err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request for %s: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, endpoint, v)
}

func (c *Client) do(req *http.Request, endpoint string, v any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		c.countCall(endpoint, "error")
		return fmt.Errorf("controller %s %s: %w", req.Method, endpoint, err)
	}
	defer resp.Body.Close()
	c.countCall(endpoint, strconv.Itoa(resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("controller %s %s: unexpected status %d", req.Method, endpoint, resp.StatusCode)
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("controller %s %s: decode response: %w", req.Method, endpoint, err)
	}
	return nil
}

func (c *Client) countCall(endpoint, status string) {
	if c.metrics != nil {
		c.metrics.ControllerCalls.WithLabelValues(endpoint, status).Inc()
	}
}
