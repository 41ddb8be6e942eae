package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"kronoterm_gateway/internal/catalog"
)

// cloudPage selects one logical data group on the vendor portal.
type cloudPage struct {
	TopPage string
	Subpage string
}

// The portal serves register groups as separate jsoncgi documents; every
// catalog entry names the group it lives in via CloudGroup.
var cloudPages = map[string]cloudPage{
	"system":       {TopPage: "1", Subpage: "1"},
	"temperatures": {TopPage: "1", Subpage: "4"},
	"loops":        {TopPage: "1", Subpage: "5"},
	"dhw":          {TopPage: "1", Subpage: "9"},
	"advanced":     {TopPage: "1", Subpage: "6"},
}

const cloudWriteSuccessMarker = "success"

// CloudConfig describes the vendor cloud endpoint and credentials.
type CloudConfig struct {
	BaseURL  string
	Username string
	Password string
	Timeout  time.Duration
	Retry    Policy
}

// CloudDriver talks to the vendor portal. Basic auth goes on every
// request, but the portal additionally keys server-side session state off
// cookies, so a handshake GET primes the jar before real traffic starts.
type CloudDriver struct {
	cfg    CloudConfig
	hc     *http.Client
	logger zerolog.Logger

	mu     sync.Mutex
	primed bool
}

// NewCloudDriver builds a cloud driver. The base URL must point at the
// portal's jsoncgi endpoint.
func NewCloudDriver(cfg CloudConfig, logger zerolog.Logger) (*CloudDriver, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("cloud base url is required")
	}
	if cfg.Username == "" || cfg.Password == "" {
		return nil, fmt.Errorf("cloud credentials are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	return &CloudDriver{
		cfg:    cfg,
		hc:     &http.Client{Timeout: cfg.Timeout, Jar: jar},
		logger: logger.With().Str("component", "cloud").Logger(),
	}, nil
}

func (d *CloudDriver) Name() string                 { return "cloud" }
func (d *CloudDriver) Transport() catalog.Transport { return catalog.TransportCloud }

// Connect primes the server-side session.
func (d *CloudDriver) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.primed {
		return nil
	}
	return d.handshakeLocked(ctx)
}

func (d *CloudDriver) handshake(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handshakeLocked(ctx)
}

func (d *CloudDriver) handshakeLocked(ctx context.Context) error {
	d.primed = false
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.pageURL(cloudPages["system"]), nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(d.cfg.Username, d.cfg.Password)
	res, err := d.hc.Do(req)
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: handshake returned %d", ErrAuthenticationFailed, res.StatusCode)
	}
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("handshake returned %d", res.StatusCode)
	}
	_, _ = io.Copy(io.Discard, res.Body)
	d.primed = true
	d.logger.Debug().Msg("cloud session primed")
	return nil
}

// Close drops the session state. The portal keeps no connection open, so
// this only forgets the cookie priming. Idempotent.
func (d *CloudDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.primed = false
	return nil
}

func (d *CloudDriver) pageURL(page cloudPage) string {
	q := url.Values{}
	q.Set("TopPage", page.TopPage)
	q.Set("Subpage", page.Subpage)
	sep := "?"
	if strings.Contains(d.cfg.BaseURL, "?") {
		sep = "&"
	}
	return d.cfg.BaseURL + sep + q.Encode()
}

// ReadBatch fetches every logical group the definitions touch. Groups are
// fetched concurrently; the portal handles parallel GETs fine because
// each request re-authenticates. A group that keeps failing is skipped so
// the cycle can still produce a partial snapshot.
func (d *CloudDriver) ReadBatch(ctx context.Context, defs []catalog.Definition) (map[uint16]Sample, error) {
	groups := make(map[string][]catalog.Definition)
	for _, def := range defs {
		if def.CloudKey == "" {
			continue
		}
		groups[def.CloudGroup] = append(groups[def.CloudGroup], def)
	}
	if len(groups) == 0 {
		return map[uint16]Sample{}, nil
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		samples = make(map[uint16]Sample, len(defs))
		failed  int
		authErr error
	)
	for name, groupDefs := range groups {
		page, ok := cloudPages[name]
		if !ok {
			d.logger.Error().Str("group", name).Msg("catalog references unknown cloud group")
			mu.Lock()
			failed++
			mu.Unlock()
			continue
		}
		wg.Add(1)
		go func(name string, page cloudPage, groupDefs []catalog.Definition) {
			defer wg.Done()
			doc, err := d.fetchGroup(ctx, page)
			if err != nil {
				mu.Lock()
				failed++
				if authErr == nil && isAuthError(err) {
					authErr = err
				}
				mu.Unlock()
				d.logger.Warn().Err(err).Str("group", name).Msg("cloud group fetch failed")
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, def := range groupDefs {
				value, ok := lookupScalar(doc, def.CloudKey)
				if !ok {
					d.logger.Debug().Str("group", name).Str("key", def.CloudKey).Msg("field missing from cloud document")
					continue
				}
				samples[def.Address] = ScalarSample(value)
			}
		}(name, page, groupDefs)
	}
	wg.Wait()

	if authErr != nil && len(samples) == 0 {
		return nil, authErr
	}
	if failed == len(groups) {
		return nil, fmt.Errorf("%w: all cloud groups failed", ErrUnavailable)
	}
	return samples, nil
}

func isAuthError(err error) bool {
	return errors.Is(err, ErrAuthenticationFailed)
}

func (d *CloudDriver) fetchGroup(ctx context.Context, page cloudPage) (map[string]interface{}, error) {
	var doc map[string]interface{}
	err := Run(ctx, d.cfg.Retry, d.logger, func(ctx context.Context) error {
		body, err := d.get(ctx, page)
		if err != nil {
			return err
		}
		doc = nil
		if err := json.Unmarshal(body, &doc); err != nil {
			return fmt.Errorf("decode group document: %w", err)
		}
		return nil
	}, d.handshake)
	return doc, err
}

func (d *CloudDriver) get(ctx context.Context, page cloudPage) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.pageURL(page), nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(d.cfg.Username, d.cfg.Password)
	res, err := d.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	switch {
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: status %d", ErrAuthenticationFailed, res.StatusCode)
	case res.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("unexpected status %d", res.StatusCode)
	}
	// The portal answers an expired session with its login page instead
	// of an error status. That is a session problem, not a transport one.
	if looksLikeLoginPage(res.Header.Get("Content-Type"), body) {
		return nil, fmt.Errorf("%w: login page returned", ErrSessionExpired)
	}
	return body, nil
}

func looksLikeLoginPage(contentType string, body []byte) bool {
	if strings.Contains(strings.ToLower(contentType), "text/html") {
		return true
	}
	trimmed := strings.TrimSpace(string(body))
	return strings.HasPrefix(trimmed, "<")
}

// lookupScalar walks a dotted path through the group document and
// coerces the leaf into a float. The portal serves numbers and numeric
// strings interchangeably.
func lookupScalar(doc map[string]interface{}, path string) (float64, bool) {
	parts := strings.Split(path, ".")
	var current interface{} = doc
	for _, part := range parts {
		node, ok := current.(map[string]interface{})
		if !ok {
			return 0, false
		}
		current, ok = node[part]
		if !ok {
			return 0, false
		}
	}
	switch v := current.(type) {
	case float64:
		return v, true
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// Write posts one form-encoded parameter change. A response whose result
// field is anything but the success marker is a rejection and is not
// retried.
func (d *CloudDriver) Write(ctx context.Context, def catalog.Definition, sample Sample) error {
	if sample.Source != SourceText {
		return fmt.Errorf("cloud write %s: unsupported sample source %d", def.Name, sample.Source)
	}
	if def.CloudKey == "" {
		return fmt.Errorf("cloud write %s: register has no cloud mapping", def.Name)
	}
	page, ok := cloudPages[def.CloudGroup]
	if !ok {
		return fmt.Errorf("cloud write %s: unknown cloud group %q", def.Name, def.CloudGroup)
	}
	paramName := def.CloudKey
	if idx := strings.LastIndex(paramName, "."); idx >= 0 {
		paramName = paramName[idx+1:]
	}
	form := url.Values{}
	form.Set("param_name", paramName)
	form.Set("param_value", sample.Text)
	form.Set("page", page.Subpage)

	return Run(ctx, d.cfg.Retry, d.logger, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.pageURL(page), strings.NewReader(form.Encode()))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.SetBasicAuth(d.cfg.Username, d.cfg.Password)
		res, err := d.hc.Do(req)
		if err != nil {
			return err
		}
		defer res.Body.Close()
		body, err := io.ReadAll(res.Body)
		if err != nil {
			return err
		}
		switch {
		case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
			return fmt.Errorf("%w: status %d", ErrAuthenticationFailed, res.StatusCode)
		case res.StatusCode != http.StatusOK:
			return fmt.Errorf("unexpected status %d", res.StatusCode)
		}
		if looksLikeLoginPage(res.Header.Get("Content-Type"), body) {
			return fmt.Errorf("%w: login page returned", ErrSessionExpired)
		}
		var reply struct {
			Result string `json:"result"`
		}
		if err := json.Unmarshal(body, &reply); err != nil {
			return fmt.Errorf("decode write response: %w", err)
		}
		if reply.Result != cloudWriteSuccessMarker {
			return fmt.Errorf("%w: result %q", ErrWriteRejected, reply.Result)
		}
		return nil
	}, d.handshake)
}
