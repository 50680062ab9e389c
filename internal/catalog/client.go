// Package catalog reads upcoming competitions from a CTFtime-compatible
// public event catalog.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/terra-clan/ctf-conductor/internal/models"
)

const source = "catalog"

// Client talks to the event catalog API
type Client struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// Option configures the client
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithTimeout sets the client timeout
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithRateLimit spaces outbound requests at least every apart.
// Zero disables limiting.
func WithRateLimit(every time.Duration) Option {
	return func(c *Client) {
		if every <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		c.limiter = rate.NewLimiter(rate.Every(every), 1)
	}
}

// NewClient creates a catalog client for baseURL (e.g. https://ctftime.org)
func NewClient(baseURL, userAgent string, opts ...Option) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		userAgent: userAgent,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// BaseURL returns the catalog root used for event links
func (c *Client) BaseURL() string {
	return c.baseURL
}

// EventURL returns the public page of an event
func (c *Client) EventURL(id int) string {
	return fmt.Sprintf("%s/event/%d", c.baseURL, id)
}

// ListUpcoming returns up to limit upcoming events
func (c *Client) ListUpcoming(ctx context.Context, limit int) ([]models.EventSummary, error) {
	url := fmt.Sprintf("%s/api/v1/events/?limit=%d", c.baseURL, limit)

	var events []models.EventSummary
	if err := c.getJSON(ctx, url, &events); err != nil {
		return nil, err
	}

	return events, nil
}

type organizer struct {
	Name string `json:"name"`
}

// eventResponse is the catalog's event detail payload
type eventResponse struct {
	ID          int         `json:"id"`
	Title       string      `json:"title"`
	Start       string      `json:"start"`
	Finish      string      `json:"finish"`
	Description string      `json:"description"`
	Organizers  []organizer `json:"organizers"`
	Format      string      `json:"format"`
	Location    string      `json:"location"`
	OnSite      bool        `json:"onsite"`
	Weight      float64     `json:"weight"`
	Logo        string      `json:"logo"`
	URL         string      `json:"url"`
	Prizes      string      `json:"prizes"`
}

// FetchDetail returns the normalized descriptor of one event.
// The logo is downloaded best-effort.
func (c *Client) FetchDetail(ctx context.Context, id int) (*models.EventDescriptor, error) {
	url := fmt.Sprintf("%s/api/v1/events/%d/", c.baseURL, id)

	var resp eventResponse
	if err := c.getJSON(ctx, url, &resp); err != nil {
		return nil, err
	}

	event, err := resp.descriptor()
	if err != nil {
		return nil, models.NewFetchError(source, url, err)
	}

	if event.LogoURL != "" {
		logo, err := c.download(ctx, event.LogoURL)
		if err != nil {
			slog.Warn("failed to fetch event logo", "event", event.Name, "error", err)
		} else {
			event.Logo = logo
		}
	}

	return event, nil
}

func (r eventResponse) descriptor() (*models.EventDescriptor, error) {
	name := strings.TrimSpace(r.Title)
	if name == "" {
		return nil, errors.New("event has no title")
	}

	start, err := time.Parse(time.RFC3339, r.Start)
	if err != nil {
		return nil, fmt.Errorf("invalid start time %q: %w", r.Start, err)
	}

	end, err := time.Parse(time.RFC3339, r.Finish)
	if err != nil {
		return nil, fmt.Errorf("invalid finish time %q: %w", r.Finish, err)
	}

	organizers := make([]string, 0, len(r.Organizers))
	for _, o := range r.Organizers {
		if o.Name != "" {
			organizers = append(organizers, o.Name)
		}
	}

	location := r.Location
	if location == "" {
		location = "Online"
		if r.OnSite {
			location = "On-site"
		}
	}

	return &models.EventDescriptor{
		ID:          r.ID,
		Name:        name,
		Start:       start,
		End:         end,
		Description: strings.TrimSpace(r.Description),
		Organizers:  organizers,
		Prizes:      strings.TrimSpace(r.Prizes),
		Format:      r.Format,
		Location:    location,
		Weight:      r.Weight,
		LogoURL:     r.Logo,
		WebsiteURL:  r.URL,
	}, nil
}

func (c *Client) getJSON(ctx context.Context, url string, v any) error {
	body, err := c.download(ctx, url)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, v); err != nil {
		return models.NewFetchError(source, url, fmt.Errorf("failed to decode response: %w", err))
	}

	return nil
}

func (c *Client) download(ctx context.Context, url string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, models.NewFetchError(source, url, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, models.NewFetchError(source, url, err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, models.NewFetchError(source, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, models.NewFetchError(source, url, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, models.NewFetchError(source, url, fmt.Errorf("failed to read response: %w", err))
	}

	return body, nil
}
