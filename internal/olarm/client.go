package olarm

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
	"sync"
	"time"

	"olarm-bridge/internal/state"
	"olarm-bridge/internal/store"
)

// Production endpoints.
const (
	defaultAuthBaseURL   = "https://auth.olarm.com"
	defaultLegacyBaseURL = "https://api-legacy.olarm.com"
	defaultAPIBaseURL    = "https://apiv4.olarm.co"
)

// tokenRefreshBuffer is the safety margin applied when validating a
// loaded session's expiry.
const tokenRefreshBuffer = 5 * time.Minute

// captchaToken is the fixed value the identity-linking endpoint
// expects from app clients.
const captchaToken = "olarmapp"

// Config holds the cloud client configuration.
type Config struct {
	Email    string
	Password string
	// APIKey is the secondary credential for the direct command and
	// state-fetch endpoints. Optional.
	APIKey string

	// Base URL overrides, used by tests.
	AuthBaseURL   string
	LegacyBaseURL string
	APIBaseURL    string
}

// Client authenticates against the Olarm cloud and issues directory,
// state-fetch and command calls. It owns the rotating session and
// persists it after every login or refresh.
type Client struct {
	cfg    Config
	http   *http.Client
	store  store.Store
	logger *slog.Logger

	mu      sync.Mutex
	session *store.Session
}

// New creates a cloud client. The store may be nil, in which case the
// session is held in memory only.
func New(cfg Config, st store.Store, logger *slog.Logger) *Client {
	if cfg.AuthBaseURL == "" {
		cfg.AuthBaseURL = defaultAuthBaseURL
	}
	if cfg.LegacyBaseURL == "" {
		cfg.LegacyBaseURL = defaultLegacyBaseURL
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBaseURL
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: 30 * time.Second},
		store:  st,
		logger: logger.With("component", "olarm"),
	}
}

// Initialize produces a usable session: a persisted one if still valid,
// a refreshed one if the persisted one is near expiry, or a fresh login
// otherwise. A missing or corrupt persisted record is never fatal.
func (c *Client) Initialize(ctx context.Context) error {
	if c.store != nil {
		sess, err := c.store.GetSession()
		if err == nil {
			if sess.Valid(tokenRefreshBuffer) {
				c.setSession(sess)
				c.logger.Info("loaded persisted session",
					"expires", sess.ExpiresAt.Format(time.RFC3339))
				return nil
			}
			c.logger.Info("persisted session near expiry, refreshing")
			c.setSession(sess)
			return c.refresh(ctx)
		}
		if !errors.Is(err, store.ErrNotFound) {
			c.logger.Warn("load persisted session", "err", err)
		}
	}
	return c.Login(ctx)
}

// Login exchanges the configured credentials for a new session and
// resolves the user index needed by the device directory.
func (c *Client) Login(ctx context.Context) error {
	form := url.Values{
		"userEmailPhone": {c.cfg.Email},
		"userPass":       {c.cfg.Password},
	}
	var lr loginResponse
	if err := c.postForm(ctx, c.cfg.AuthBaseURL+"/api/v4/oauth/login", form, "", &lr); err != nil {
		return fmt.Errorf("login: %w", err)
	}

	sess := &store.Session{
		AccessToken:  lr.Oat,
		RefreshToken: lr.Ort,
		ExpiresAt:    time.UnixMilli(lr.OatExpire),
	}

	// The directory lookup needs the internal user index, resolved by a
	// secondary identity-linking call using the same credentials. The
	// endpoint wants the access token as a query parameter.
	link := url.Values{
		"userEmailPhone": {c.cfg.Email},
		"userPass":       {c.cfg.Password},
		"captchaToken":   {captchaToken},
	}
	linkURL := c.cfg.AuthBaseURL + "/api/v4/oauth/federated-link-existing?oat=" + url.QueryEscape(lr.Oat)
	var li linkResponse
	if err := c.postForm(ctx, linkURL, link, lr.Oat, &li); err != nil {
		return fmt.Errorf("link user: %w", err)
	}
	sess.UserIndex = li.UserIndex
	sess.UserID = li.UserID

	c.setSession(sess)
	c.persist(sess)
	c.logger.Info("logged in", "user_index", sess.UserIndex,
		"expires", sess.ExpiresAt.Format(time.RFC3339))
	return nil
}

// refresh exchanges the refresh token for a new session. On failure it
// falls back to a full login exactly once; a second failure propagates.
func (c *Client) refresh(ctx context.Context) error {
	if err := c.doRefresh(ctx); err != nil {
		c.logger.Warn("token refresh failed, retrying with full login", "err", err)
		return c.Login(ctx)
	}
	return nil
}

func (c *Client) doRefresh(ctx context.Context) error {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil || sess.RefreshToken == "" {
		return errors.New("no refresh token")
	}

	form := url.Values{"ort": {sess.RefreshToken}}
	var lr loginResponse
	if err := c.postForm(ctx, c.cfg.AuthBaseURL+"/api/v4/oauth/refresh", form, "", &lr); err != nil {
		return fmt.Errorf("refresh: %w", err)
	}

	next := &store.Session{
		AccessToken:  lr.Oat,
		RefreshToken: lr.Ort,
		ExpiresAt:    time.UnixMilli(lr.OatExpire),
		UserIndex:    sess.UserIndex,
		UserID:       sess.UserID,
	}
	c.setSession(next)
	c.persist(next)
	c.logger.Info("session refreshed", "expires", next.ExpiresAt.Format(time.RFC3339))
	return nil
}

// Devices fetches the device list for the session's user index. On a
// single authorization failure it refreshes the session once and
// retries; a second failure propagates.
func (c *Client) Devices(ctx context.Context) ([]Device, error) {
	devices, err := c.fetchDevices(ctx)
	if err == nil || !isAuthStatus(err) {
		return devices, err
	}

	c.logger.Info("device fetch unauthorized, refreshing session once")
	if rerr := c.refresh(ctx); rerr != nil {
		return nil, rerr
	}
	return c.fetchDevices(ctx)
}

func (c *Client) fetchDevices(ctx context.Context) ([]Device, error) {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil {
		return nil, errors.New("no session")
	}

	u := fmt.Sprintf("%s/api/v2/users/%d", c.cfg.LegacyBaseURL, sess.UserIndex)
	var ur userResponse
	if err := c.getJSON(ctx, u, sess.AccessToken, &ur); err != nil {
		return nil, fmt.Errorf("fetch devices: %w", err)
	}

	devices := make([]Device, 0, len(ur.Devices))
	for _, d := range ur.Devices {
		devices = append(devices, Device{
			ID:       d.ID,
			IMEI:     d.IMEI,
			Name:     d.Name,
			Firmware: d.Firmware,
		})
	}
	return devices, nil
}

// Resolve returns the device matching the configured identifier. An
// empty identifier resolves to the account's only device; with several
// devices on the account it must be set explicitly.
func (c *Client) Resolve(ctx context.Context, configuredID string) (*Device, error) {
	devices, err := c.Devices(ctx)
	if err != nil {
		return nil, err
	}

	if configuredID == "" {
		if len(devices) == 1 {
			return &devices[0], nil
		}
		return nil, fmt.Errorf("%d devices on account, device id required: %w",
			len(devices), ErrDeviceNotFound)
	}
	for i := range devices {
		if devices[i].ID == configuredID {
			return &devices[i], nil
		}
	}
	return nil, fmt.Errorf("device %q: %w", configuredID, ErrDeviceNotFound)
}

// FetchState retrieves the full panel state via the request/response
// endpoint. Requires the API key.
func (c *Client) FetchState(ctx context.Context, deviceID string) (*state.Snapshot, error) {
	if c.cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	u := fmt.Sprintf("%s/api/v4/devices/%s", c.cfg.APIBaseURL, url.PathEscape(deviceID))
	var dr deviceResponse
	if err := c.getJSON(ctx, u, c.cfg.APIKey, &dr); err != nil {
		return nil, fmt.Errorf("fetch state: %w", err)
	}
	return dr.DeviceState.Snapshot(), nil
}

// SendAction issues a panel action via the direct command endpoint.
// Requires the API key.
func (c *Client) SendAction(ctx context.Context, deviceID, actionCmd string, actionNum int) error {
	if c.cfg.APIKey == "" {
		return ErrNoAPIKey
	}

	body, err := json.Marshal(map[string]any{
		"actionCmd": actionCmd,
		"actionNum": actionNum,
	})
	if err != nil {
		return err
	}

	u := fmt.Sprintf("%s/api/v4/devices/%s/actions", c.cfg.APIBaseURL, url.PathEscape(deviceID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send action: %w", err)
	}
	defer drain(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &AuthError{Op: "send action", Status: resp.StatusCode}
	}
	return nil
}

// AccessToken returns the current access token, or "" before Initialize.
func (c *Client) AccessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.AccessToken
}

// UserIndex returns the session's internal user index.
func (c *Client) UserIndex() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return 0
	}
	return c.session.UserIndex
}

// HasAPIKey reports whether the secondary credential is configured.
func (c *Client) HasAPIKey() bool {
	return c.cfg.APIKey != ""
}

func (c *Client) setSession(sess *store.Session) {
	c.mu.Lock()
	c.session = sess
	c.mu.Unlock()
}

// persist writes the session wholesale. A write failure is logged but
// never fails the authentication that produced the session.
func (c *Client) persist(sess *store.Session) {
	if c.store == nil {
		return
	}
	if err := c.store.SaveSession(sess); err != nil {
		c.logger.Warn("persist session", "err", err)
	}
}

func (c *Client) postForm(ctx context.Context, u string, form url.Values, bearer string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer drain(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &AuthError{Op: "POST " + req.URL.Path, Status: resp.StatusCode}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) getJSON(ctx context.Context, u, bearer string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+bearer)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer drain(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &AuthError{Op: "GET " + req.URL.Path, Status: resp.StatusCode}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func drain(body io.ReadCloser) {
	io.Copy(io.Discard, body)
	body.Close()
}
