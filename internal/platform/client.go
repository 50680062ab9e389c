// Package platform drives a CTFd scoring platform: team registration,
// challenge listing and scoreboard retrieval.
package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/terra-clan/ctf-conductor/internal/models"
)

const source = "platform"

var (
	nonceRe = regexp.MustCompile(`csrfNonce['"]?\s*:\s*"([0-9a-fA-F]+)"`)
	alertRe = regexp.MustCompile(`(?s)<div class="alert alert-danger[^"]*"[^>]*>(.*?)</div>`)
	tagRe   = regexp.MustCompile(`<[^>]+>`)
)

// Client talks to CTFd instances. Each operation runs on its own cookie
// session so concurrent calls against different platforms never mix.
type Client struct {
	userAgent string
	timeout   time.Duration
	transport http.RoundTripper
}

// Option configures the client
type Option func(*Client)

// WithTimeout sets the per-request timeout
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.timeout = timeout
	}
}

// WithTransport sets a custom round tripper
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		c.transport = rt
	}
}

// NewClient creates a platform client
func NewClient(userAgent string, opts ...Option) *Client {
	c := &Client{
		userAgent: userAgent,
		timeout:   30 * time.Second,
		transport: http.DefaultTransport,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// session is one cookie-carrying conversation with a platform
type session struct {
	base      *url.URL
	userAgent string
	client    *http.Client
}

func (c *Client) newSession(baseURL string) (*session, error) {
	base, err := ParseBaseURL(baseURL)
	if err != nil {
		return nil, err
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	return &session{
		base:      base,
		userAgent: c.userAgent,
		client: &http.Client{
			Timeout:   c.timeout,
			Transport: c.transport,
			Jar:       jar,
		},
	}, nil
}

// ParseBaseURL validates a platform root URL
func ParseBaseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidEndpoint, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", models.ErrInvalidEndpoint, raw)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}

func (s *session) url(path string) string {
	return s.base.String() + path
}

func (s *session) do(ctx context.Context, method, path string, form url.Values) (*http.Response, []byte, error) {
	target := s.url(path)

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, nil, models.NewFetchError(source, target, err)
	}
	req.Header.Set("User-Agent", s.userAgent)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, nil, models.NewFetchError(source, target, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, models.NewFetchError(source, target, fmt.Errorf("failed to read response: %w", err))
	}

	return resp, data, nil
}

// nonce fetches the CSRF nonce embedded in a form page
func (s *session) nonce(ctx context.Context, path string) (string, error) {
	_, page, err := s.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return "", err
	}

	m := nonceRe.FindSubmatch(page)
	if m == nil {
		return "", fmt.Errorf("%w: no csrf nonce on %s", models.ErrInvalidEndpoint, s.url(path))
	}
	return string(m[1]), nil
}

func (s *session) login(ctx context.Context, username, password string) error {
	nonce, err := s.nonce(ctx, "/login")
	if err != nil {
		return err
	}

	form := url.Values{
		"name":     {username},
		"password": {password},
		"nonce":    {nonce},
		"_submit":  {"Submit"},
	}

	resp, page, err := s.do(ctx, http.MethodPost, "/login", form)
	if err != nil {
		return err
	}

	if strings.HasSuffix(resp.Request.URL.Path, "/login") {
		reason := alertText(page)
		if reason == "" {
			reason = "login rejected"
		}
		return models.NewFetchError(source, s.url("/login"), errors.New(reason))
	}

	return nil
}

// Register creates a team account. A platform-side refusal is reported in
// the result, not as an error.
func (c *Client) Register(ctx context.Context, baseURL, team, password, email string) (models.RegistrationResult, error) {
	s, err := c.newSession(baseURL)
	if err != nil {
		return models.RegistrationResult{}, err
	}

	nonce, err := s.nonce(ctx, "/register")
	if err != nil {
		return models.RegistrationResult{}, err
	}

	form := url.Values{
		"name":     {team},
		"email":    {email},
		"password": {password},
		"nonce":    {nonce},
		"_submit":  {"Submit"},
	}

	resp, page, err := s.do(ctx, http.MethodPost, "/register", form)
	if err != nil {
		return models.RegistrationResult{}, err
	}

	if strings.HasSuffix(resp.Request.URL.Path, "/register") {
		reason := alertText(page)
		if reason == "" {
			reason = "registration rejected"
		}
		return models.RegistrationResult{Reason: reason}, nil
	}

	return models.RegistrationResult{Success: true}, nil
}

func alertText(page []byte) string {
	m := alertRe.FindSubmatch(page)
	if m == nil {
		return ""
	}
	text := tagRe.ReplaceAllString(string(m[1]), " ")
	return strings.Join(strings.Fields(html.UnescapeString(text)), " ")
}

// envelope is the CTFd JSON API response wrapper
type envelope[T any] struct {
	Success bool `json:"success"`
	Data    T    `json:"data"`
	Meta    struct {
		Pagination struct {
			Next *int `json:"next"`
		} `json:"pagination"`
	} `json:"meta"`
}

func getAPI[T any](ctx context.Context, s *session, path string) (*envelope[T], error) {
	resp, body, err := s.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, models.NewFetchError(source, s.url(path), fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var env envelope[T]
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %s is not a CTFd API: %v", models.ErrInvalidEndpoint, s.url(path), err)
	}
	if !env.Success {
		return nil, models.NewFetchError(source, s.url(path), errors.New("api reported failure"))
	}

	return &env, nil
}
