// Package tmdb is a client for The Movie Database API, the catalog source
// for items and watch availability.
package tmdb

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"

	"github.com/screenroast/screenroast/internal/model"
	"github.com/screenroast/screenroast/internal/resilience"
)

const defaultBaseURL = "https://api.themoviedb.org/3"

// Client defines the catalog operations used by the refresh orchestrator.
type Client interface {
	CategoryPage(ctx context.Context, category string, page int) (*CategoryPageResponse, error)
	WatchProviders(ctx context.Context, itemID int64) (json.RawMessage, error)
}

// CategoryPageResponse is one page of a category listing.
type CategoryPageResponse struct {
	Page       int         `json:"page"`
	TotalPages int         `json:"total_pages"`
	Results    []MovieStub `json:"results"`
}

// MovieStub is the subset of a TMDB movie listing entry we persist.
type MovieStub struct {
	ID          int64   `json:"id"`
	Title       string  `json:"title"`
	ReleaseDate string  `json:"release_date"`
	Popularity  float64 `json:"popularity"`
	VoteAverage float64 `json:"vote_average"`
}

// Item converts the stub into the catalog model. Release dates that fail
// to parse are left nil rather than failing the whole page.
func (s MovieStub) Item() model.Item {
	item := model.Item{
		ID:          s.ID,
		Title:       s.Title,
		Popularity:  s.Popularity,
		VoteAverage: s.VoteAverage,
	}
	if s.ReleaseDate != "" {
		if t, err := time.Parse("2006-01-02", s.ReleaseDate); err == nil {
			item.ReleaseDate = &t
		}
	}
	return item
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = u
	}
}

// WithRegion sets the region filter for category listings.
func WithRegion(region string) Option {
	return func(c *httpClient) {
		c.region = region
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	region  string
	http    *http.Client
}

// NewClient creates a TMDB API client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) CategoryPage(ctx context.Context, category string, page int) (*CategoryPageResponse, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("language", "en-US")
	if c.region != "" {
		q.Set("region", c.region)
	}

	body, err := c.get(ctx, fmt.Sprintf("/movie/%s", category), q)
	if err != nil {
		return nil, err
	}

	var result CategoryPageResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, eris.Wrap(err, "tmdb: unmarshal category page")
	}
	return &result, nil
}

func (c *httpClient) WatchProviders(ctx context.Context, itemID int64) (json.RawMessage, error) {
	body, err := c.get(ctx, fmt.Sprintf("/movie/%d/watch/providers", itemID), url.Values{})
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, eris.New("tmdb: watch providers response is not valid JSON")
	}
	return json.RawMessage(body), nil
}

func (c *httpClient) get(ctx context.Context, path string, q url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "tmdb: create request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "tmdb: send request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "tmdb: read response")
	}

	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("tmdb: unexpected status %d for %s: %s", resp.StatusCode, path, string(body))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, err
	}

	return body, nil
}
