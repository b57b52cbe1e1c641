package twitch

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
	"sync"
	"time"

	logx "tntb/pkg/logx"
)

const (
	authURL  = "https://id.twitch.tv/oauth2/token"
	helixURL = "https://api.twitch.tv/helix"

	// helix caps the users endpoint at 100 ids per request.
	usersBatchSize = 100
)

var ErrUnauthorized = errors.New("twitch: unauthorized")

// Client talks to the helix REST API with an app access token that is
// refreshed lazily: a call failing with 401 triggers exactly one
// re-authentication and one retry, never a loop.
type Client struct {
	mu     sync.Mutex
	cfg    Config
	bearer string

	http *http.Client
	log  logx.Logger

	// AlertFunc, when set, receives operator-facing failure notices
	// (e.g. re-authentication failures). Best-effort, may be nil.
	AlertFunc func(ctx context.Context, text string)
}

func New(cfg Config, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: 15 * time.Second},
		log:  log,
	}
}

// Apply swaps credentials on config reload. The bearer is dropped so the
// next call re-authenticates with the new secret.
func (c *Client) Apply(cfg Config) {
	c.mu.Lock()
	if cfg.ClientID != c.cfg.ClientID || cfg.ClientSecret != c.cfg.ClientSecret {
		c.bearer = ""
	}
	c.cfg = cfg
	c.mu.Unlock()
}

func (c *Client) snapshot() (Config, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg, c.bearer
}

// Authenticate fetches a fresh app access token (client credentials grant).
func (c *Client) Authenticate(ctx context.Context) error {
	cfg, _ := c.snapshot()

	form := url.Values{
		"client_id":     {cfg.ClientID},
		"client_secret": {cfg.ClientSecret},
		"grant_type":    {"client_credentials"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, authURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		c.alert(ctx, fmt.Sprintf("TWITCH AUTH FAILED at %s\n%v", time.Now().UTC().Format(time.RFC3339), err))
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("twitch auth: http %d", resp.StatusCode)
		c.alert(ctx, fmt.Sprintf("TWITCH AUTH FAILED at %s\n%v", time.Now().UTC().Format(time.RFC3339), err))
		return err
	}

	var out struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return err
	}
	if out.AccessToken == "" {
		return errors.New("twitch auth: empty access token")
	}

	c.mu.Lock()
	c.bearer = out.AccessToken
	c.mu.Unlock()
	c.log.Debug("twitch token refreshed")
	return nil
}

func (c *Client) alert(ctx context.Context, text string) {
	if c.AlertFunc != nil {
		c.AlertFunc(ctx, text)
	}
}

// call performs one helix request, re-authenticating once on 401.
// makeBody rebuilds the request body for the retry (nil for GET/DELETE).
func (c *Client) call(ctx context.Context, method, path string, query url.Values, makeBody func() io.Reader, wantStatus int, out any) error {
	attempt := func() (int, error) {
		cfg, bearer := c.snapshot()
		if bearer == "" {
			return 0, ErrUnauthorized
		}

		u := helixURL + path
		if len(query) > 0 {
			u += "?" + query.Encode()
		}
		var body io.Reader
		if makeBody != nil {
			body = makeBody()
		}
		req, err := http.NewRequestWithContext(ctx, method, u, body)
		if err != nil {
			return 0, err
		}
		req.Header.Set("Client-Id", cfg.ClientID)
		req.Header.Set("Authorization", "Bearer "+bearer)
		if makeBody != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusUnauthorized {
			return resp.StatusCode, ErrUnauthorized
		}
		if resp.StatusCode != wantStatus {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return resp.StatusCode, fmt.Errorf("twitch %s %s: http %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(b)))
		}
		if out != nil && resp.StatusCode != http.StatusNoContent {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return resp.StatusCode, err
			}
		}
		return resp.StatusCode, nil
	}

	_, err := attempt()
	if errors.Is(err, ErrUnauthorized) {
		if aerr := c.Authenticate(ctx); aerr != nil {
			return aerr
		}
		_, err = attempt()
	}
	return err
}

type usersResponse struct {
	Data []struct {
		ID          string `json:"id"`
		Login       string `json:"login"`
		DisplayName string `json:"display_name"`
	} `json:"data"`
}

// GetUserByLogin resolves a login name; found=false when no such user.
func (c *Client) GetUserByLogin(ctx context.Context, login string) (UserInfo, bool, error) {
	var out usersResponse
	q := url.Values{"login": {strings.ToLower(strings.TrimSpace(login))}}
	if err := c.call(ctx, http.MethodGet, "/users", q, nil, http.StatusOK, &out); err != nil {
		return UserInfo{}, false, err
	}
	if len(out.Data) == 0 {
		return UserInfo{}, false, nil
	}
	d := out.Data[0]
	return UserInfo{ID: d.ID, Login: d.Login, DisplayName: d.DisplayName}, true, nil
}

// GetUsersByID resolves display names for a batch of streamer ids,
// slicing the list to the helix per-request cap.
func (c *Client) GetUsersByID(ctx context.Context, ids []string) (map[string]string, error) {
	names := make(map[string]string, len(ids))
	for start := 0; start < len(ids); start += usersBatchSize {
		end := min(start+usersBatchSize, len(ids))
		q := url.Values{"id": ids[start:end]}

		var out usersResponse
		if err := c.call(ctx, http.MethodGet, "/users", q, nil, http.StatusOK, &out); err != nil {
			return nil, err
		}
		for _, d := range out.Data {
			names[d.ID] = d.DisplayName
		}
	}
	return names, nil
}

// GetStreamInfo returns live stream details, or nil when the channel is
// not currently streaming (or helix has not caught up yet).
func (c *Client) GetStreamInfo(ctx context.Context, streamerID string) (*StreamInfo, error) {
	var out struct {
		Data []struct {
			Title        string `json:"title"`
			GameName     string `json:"game_name"`
			ThumbnailURL string `json:"thumbnail_url"`
		} `json:"data"`
	}
	q := url.Values{"user_id": {streamerID}}
	if err := c.call(ctx, http.MethodGet, "/streams", q, nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	if len(out.Data) == 0 {
		return nil, nil
	}
	d := out.Data[0]
	return &StreamInfo{Title: d.Title, Category: d.GameName, ThumbnailURL: d.ThumbnailURL}, nil
}

// GetChannelInfo returns the channel's last known title/category, or nil
// when helix has nothing.
func (c *Client) GetChannelInfo(ctx context.Context, streamerID string) (*ChannelInfo, error) {
	var out struct {
		Data []struct {
			Title    string `json:"title"`
			GameName string `json:"game_name"`
		} `json:"data"`
	}
	q := url.Values{"broadcaster_id": {streamerID}}
	if err := c.call(ctx, http.MethodGet, "/channels", q, nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	if len(out.Data) == 0 {
		return nil, nil
	}
	d := out.Data[0]
	return &ChannelInfo{Title: d.Title, Category: d.GameName}, nil
}

// SubscribeEvent registers a webhook EventSub subscription and returns its id.
func (c *Client) SubscribeEvent(ctx context.Context, streamerID, eventType string) (string, error) {
	cfg, _ := c.snapshot()

	payload := map[string]any{
		"type":    eventType,
		"version": "1",
		"condition": map[string]string{
			"broadcaster_user_id": streamerID,
		},
		"transport": map[string]string{
			"method":   "webhook",
			"callback": "https://" + cfg.Domain + "/webhooks/twitch/stream-online",
			"secret":   cfg.WebhookSecret,
		},
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	var out struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	err = c.call(ctx, http.MethodPost, "/eventsub/subscriptions", nil,
		func() io.Reader { return bytes.NewReader(b) }, http.StatusAccepted, &out)
	if err != nil {
		return "", err
	}
	if len(out.Data) == 0 {
		return "", errors.New("twitch subscribe: empty response")
	}
	return out.Data[0].ID, nil
}

// UnsubscribeEvent tears down an EventSub registration.
func (c *Client) UnsubscribeEvent(ctx context.Context, subscriptionID string) error {
	q := url.Values{"id": {subscriptionID}}
	return c.call(ctx, http.MethodDelete, "/eventsub/subscriptions", q, nil, http.StatusNoContent, nil)
}
