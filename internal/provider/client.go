package provider

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

// Group is a provider-side profile grouping.
type Group struct {
	ID   string `json:"group_id"`
	Name string `json:"group_name"`
}

// CreateProfileSpec carries everything needed to create a provider profile.
type CreateProfileSpec struct {
	Name       string
	DeviceType string
	TargetURL  string
	GroupID    string
	ProxyURL   string
	ProxyUser  string
	ProxyPass  string
}

// Client is the provider surface consumed by the orchestrator. Two
// implementations exist: HTTPClient against the real local API and
// DemoClient for offline operation. The choice is made once at construction.
type Client interface {
	// CheckConnection verifies the provider is reachable. Results of a
	// successful probe are cached briefly.
	CheckConnection(ctx context.Context) error
	CreateProfile(ctx context.Context, spec CreateProfileSpec) (string, error)
	StartProfile(ctx context.Context, providerID string) error
	StopProfile(ctx context.Context, providerID string) error
	DeleteProfile(ctx context.Context, providerID string) error
	// ForceDeleteProfile stops then deletes with bounded retries while the
	// provider reports the profile still in use.
	ForceDeleteProfile(ctx context.Context, providerID string, maxAttempts int) error
	// ProfileActive reports whether the provider considers the session live.
	ProfileActive(ctx context.Context, providerID string) (bool, error)
	ListGroups(ctx context.Context) ([]Group, error)
	CreateGroup(ctx context.Context, name string) (Group, error)
	// Demo reports whether this client synthesizes results offline.
	Demo() bool
}

// Config holds HTTP client settings.
type Config struct {
	BaseURL string
	APIKey  string
	// RequestTimeout bounds each individual HTTP call so one hung request
	// cannot stall the queue forever.
	RequestTimeout time.Duration
	// DeleteRetryStep is the base of the attempt-scaled wait inside
	// ForceDeleteProfile.
	DeleteRetryStep time.Duration
	// HealthCacheTTL is how long a successful connection probe stays valid.
	HealthCacheTTL time.Duration
}

// DefaultConfig returns settings for the provider's default local endpoint.
func DefaultConfig() Config {
	return Config{
		BaseURL:         "http://127.0.0.1:50325",
		RequestTimeout:  30 * time.Second,
		DeleteRetryStep: 2 * time.Second,
		HealthCacheTTL:  15 * time.Second,
	}
}

// envelope is the provider's uniform response wrapper.
type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// HTTPClient talks to the real automation provider. Every call is routed
// through the request queue.
type HTTPClient struct {
	cfg    Config
	queue  *RequestQueue
	http   *http.Client
	logger *slog.Logger
	health *healthCheck
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewHTTPClient constructs a client over an already started queue.
func NewHTTPClient(cfg Config, queue *RequestQueue, logger *slog.Logger) *HTTPClient {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.DeleteRetryStep <= 0 {
		cfg.DeleteRetryStep = 2 * time.Second
	}
	c := &HTTPClient{
		cfg:    cfg,
		queue:  queue,
		http:   &http.Client{Timeout: cfg.RequestTimeout},
		logger: logger,
		sleep:  sleepCtx,
	}
	c.health = newHealthCheck(c.probe, cfg.HealthCacheTTL)
	return c
}

func (c *HTTPClient) Demo() bool { return false }

// CheckConnection runs the debounced health probe.
func (c *HTTPClient) CheckConnection(ctx context.Context) error {
	return c.health.Check(ctx)
}

// probe is the raw reachability check, bypassing the queue so a full queue
// cannot mask a live provider.
func (c *HTTPClient) probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/status", nil)
	if err != nil {
		return fmt.Errorf("build status request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: status %d", ErrConnectionUnavailable, resp.StatusCode)
	}
	return nil
}

// CreateProfile resolves a default group when none is given and issues the
// create call, returning the provider-assigned id.
func (c *HTTPClient) CreateProfile(ctx context.Context, spec CreateProfileSpec) (string, error) {
	if spec.GroupID == "" {
		groupID, err := c.defaultGroup(ctx)
		if err != nil {
			return "", err
		}
		spec.GroupID = groupID
	}
	payload := buildCreatePayload(spec)
	var created struct {
		ProfileID string `json:"profile_id"`
	}
	err := c.queue.Do(ctx, "profile.create", func(ctx context.Context) error {
		return c.post(ctx, "/api/v1/profile/create", payload, &created)
	})
	if err != nil {
		return "", err
	}
	if created.ProfileID == "" {
		return "", &RejectedError{Reason: "create succeeded without a profile id"}
	}
	return created.ProfileID, nil
}

func (c *HTTPClient) StartProfile(ctx context.Context, providerID string) error {
	return c.queue.Do(ctx, "profile.start", func(ctx context.Context) error {
		return c.get(ctx, "/api/v1/profile/start", url.Values{"profile_id": {providerID}}, nil)
	})
}

func (c *HTTPClient) StopProfile(ctx context.Context, providerID string) error {
	err := c.queue.Do(ctx, "profile.stop", func(ctx context.Context) error {
		return c.get(ctx, "/api/v1/profile/stop", url.Values{"profile_id": {providerID}}, nil)
	})
	if isNotFound(err) {
		return nil
	}
	return err
}

func (c *HTTPClient) DeleteProfile(ctx context.Context, providerID string) error {
	payload := map[string]any{"profile_ids": []string{providerID}}
	err := c.queue.Do(ctx, "profile.delete", func(ctx context.Context) error {
		return c.post(ctx, "/api/v1/profile/delete", payload, nil)
	})
	if isNotFound(err) {
		return nil
	}
	return err
}

// ForceDeleteProfile unconditionally stops the profile, then deletes it with
// an attempt-scaled wait in between so the browser process can exit. Bounded
// by maxAttempts; "still in use" retries, "not found" is success, anything
// else fails immediately.
func (c *HTTPClient) ForceDeleteProfile(ctx context.Context, providerID string, maxAttempts int) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := c.StopProfile(ctx, providerID); err != nil {
			c.logger.Warn("stop before delete failed", "provider_id", providerID, "attempt", attempt, "err", err)
		}
		if err := c.sleep(ctx, time.Duration(attempt)*c.cfg.DeleteRetryStep); err != nil {
			return err
		}
		err := c.DeleteProfile(ctx, providerID)
		if err == nil {
			return nil
		}
		if !isStillInUse(err) {
			return err
		}
		lastErr = err
		c.logger.Info("profile still in use, retrying delete", "provider_id", providerID, "attempt", attempt)
	}
	return fmt.Errorf("force delete gave up after %d attempts: %w", maxAttempts, lastErr)
}

func (c *HTTPClient) ProfileActive(ctx context.Context, providerID string) (bool, error) {
	var status struct {
		Status string `json:"status"`
	}
	err := c.queue.Do(ctx, "profile.active", func(ctx context.Context) error {
		return c.get(ctx, "/api/v1/profile/active", url.Values{"profile_id": {providerID}}, &status)
	})
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return strings.EqualFold(status.Status, "Active"), nil
}

func (c *HTTPClient) ListGroups(ctx context.Context) ([]Group, error) {
	var data struct {
		List []Group `json:"list"`
	}
	err := c.queue.Do(ctx, "group.list", func(ctx context.Context) error {
		return c.get(ctx, "/api/v1/group/list", nil, &data)
	})
	if err != nil {
		return nil, err
	}
	return data.List, nil
}

func (c *HTTPClient) CreateGroup(ctx context.Context, name string) (Group, error) {
	var group Group
	err := c.queue.Do(ctx, "group.create", func(ctx context.Context) error {
		return c.post(ctx, "/api/v1/group/create", map[string]any{"group_name": name}, &group)
	})
	if err != nil {
		return Group{}, err
	}
	return group, nil
}

// defaultGroup returns the first existing group, creating one when the
// provider has none.
func (c *HTTPClient) defaultGroup(ctx context.Context) (string, error) {
	groups, err := c.ListGroups(ctx)
	if err != nil {
		return "", err
	}
	if len(groups) > 0 {
		return groups[0].ID, nil
	}
	group, err := c.CreateGroup(ctx, "browserfarm")
	if err != nil {
		return "", err
	}
	return group.ID, nil
}

func (c *HTTPClient) get(ctx context.Context, path string, query url.Values, out any) error {
	reqURL := c.cfg.BaseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.send(req, out)
}

func (c *HTTPClient) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.send(req, out)
}

func (c *HTTPClient) send(req *http.Request, out any) error {
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		return &rateLimitedError{msg: resp.Status}
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if env.Code != 0 {
		return classifyProviderError(env.Code, env.Msg)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode response data: %w", err)
		}
	}
	return nil
}

// classifyProviderError maps the provider's message strings onto the error
// taxonomy.
func classifyProviderError(code int, msg string) error {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "too many request"):
		return &rateLimitedError{msg: msg}
	case strings.Contains(lower, "in use"), strings.Contains(lower, "is running"):
		return fmt.Errorf("%w: %s", ErrStillInUse, msg)
	case strings.Contains(lower, "not exist"), strings.Contains(lower, "not found"):
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	default:
		return &RejectedError{Code: code, Reason: msg}
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func isStillInUse(err error) bool {
	return errors.Is(err, ErrStillInUse)
}

func buildCreatePayload(spec CreateProfileSpec) map[string]any {
	template := TemplateFor(spec.DeviceType)
	payload := map[string]any{
		"name":     spec.Name,
		"group_id": spec.GroupID,
		"domain":   domainFromURL(spec.TargetURL),
		"open_urls": []string{
			spec.TargetURL,
		},
		"fingerprint_config": map[string]any{
			"ua":                template.UserAgent,
			"screen_resolution": template.ScreenResolution,
			"os":                template.OS,
			"language":          []string{"en-US", "en"},
		},
	}
	if spec.ProxyURL != "" {
		proxy := map[string]any{
			"proxy_url":  spec.ProxyURL,
			"proxy_soft": "other",
		}
		if spec.ProxyUser != "" {
			proxy["proxy_user"] = spec.ProxyUser
			proxy["proxy_password"] = spec.ProxyPass
		}
		payload["user_proxy_config"] = proxy
	} else {
		payload["user_proxy_config"] = map[string]any{"proxy_soft": "no_proxy"}
	}
	return payload
}

// domainFromURL strips scheme, path and port from the target URL.
func domainFromURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return raw
	}
	return parsed.Hostname()
}
