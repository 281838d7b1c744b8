package tmdb

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/screenroast/screenroast/internal/resilience"
)

func TestCategoryPage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/movie/now_playing", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		assert.Equal(t, "US", r.URL.Query().Get("region"))
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		_, _ = w.Write([]byte(`{
			"page": 2,
			"total_pages": 5,
			"results": [
				{"id": 603, "title": "The Matrix", "release_date": "1999-03-31", "popularity": 91.5, "vote_average": 8.2},
				{"id": 604, "title": "Unreleased", "release_date": "", "popularity": 1.0, "vote_average": 0}
			]
		}`))
	}))
	defer server.Close()

	client := NewClient("test-key", WithBaseURL(server.URL), WithRegion("US"))
	page, err := client.CategoryPage(context.Background(), "now_playing", 2)
	require.NoError(t, err)

	assert.Equal(t, 2, page.Page)
	assert.Equal(t, 5, page.TotalPages)
	require.Len(t, page.Results, 2)

	item := page.Results[0].Item()
	assert.Equal(t, int64(603), item.ID)
	assert.Equal(t, "The Matrix", item.Title)
	require.NotNil(t, item.ReleaseDate)
	assert.Equal(t, time.Date(1999, 3, 31, 0, 0, 0, 0, time.UTC), *item.ReleaseDate)

	assert.Nil(t, page.Results[1].Item().ReleaseDate)
}

func TestWatchProviders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/movie/603/watch/providers", r.URL.Path)
		_, _ = w.Write([]byte(`{"results": {"US": {"flatrate": [{"provider_name": "Max"}]}}}`))
	}))
	defer server.Close()

	client := NewClient("test-key", WithBaseURL(server.URL))
	raw, err := client.WatchProviders(context.Background(), 603)
	require.NoError(t, err)
	assert.JSONEq(t, `{"results": {"US": {"flatrate": [{"provider_name": "Max"}]}}}`, string(raw))
}

func TestErrorStatuses(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		transient  bool
	}{
		{"service unavailable is transient", http.StatusServiceUnavailable, true},
		{"rate limited is transient", http.StatusTooManyRequests, true},
		{"not found is permanent", http.StatusNotFound, false},
		{"unauthorized is permanent", http.StatusUnauthorized, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
				_, _ = w.Write([]byte(`{"status_message": "nope"}`))
			}))
			defer server.Close()

			client := NewClient("test-key", WithBaseURL(server.URL))
			_, err := client.CategoryPage(context.Background(), "popular", 1)
			require.Error(t, err)
			assert.Equal(t, tt.transient, resilience.IsTransient(err))
		})
	}
}
