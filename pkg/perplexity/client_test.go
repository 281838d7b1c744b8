package perplexity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/screenroast/screenroast/internal/resilience"
)

func TestChatCompletion(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		response   string
		wantErr    bool
		transient  bool
		check      func(t *testing.T, resp *ChatCompletionResponse)
	}{
		{
			name:       "successful completion with citations",
			statusCode: http.StatusOK,
			response: `{
				"id": "resp-1",
				"choices": [{"index": 0, "message": {"role": "assistant", "content": "The movie was panned."}}],
				"citations": ["https://example.com/review"],
				"search_results": [{"title": "Review", "url": "https://example.com/review", "snippet": "panned"}],
				"usage": {"prompt_tokens": 12, "completion_tokens": 34}
			}`,
			check: func(t *testing.T, resp *ChatCompletionResponse) {
				require.Len(t, resp.Choices, 1)
				assert.Equal(t, "The movie was panned.", resp.Choices[0].Message.Content)
				assert.Equal(t, []string{"https://example.com/review"}, resp.Citations)
				require.Len(t, resp.SearchResults, 1)
				assert.Equal(t, "Review", resp.SearchResults[0].Title)
				assert.Equal(t, 34, resp.Usage.CompletionTokens)
			},
		},
		{
			name:       "rate limited is transient",
			statusCode: http.StatusTooManyRequests,
			response:   `{"error": "rate limited"}`,
			wantErr:    true,
			transient:  true,
		},
		{
			name:       "bad request is permanent",
			statusCode: http.StatusBadRequest,
			response:   `{"error": "invalid model"}`,
			wantErr:    true,
		},
		{
			name:       "malformed body",
			statusCode: http.StatusOK,
			response:   `{not json`,
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "/chat/completions", r.URL.Path)
				assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

				var req ChatCompletionRequest
				require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
				assert.NotEmpty(t, req.Model)

				w.WriteHeader(tt.statusCode)
				_, _ = w.Write([]byte(tt.response))
			}))
			defer server.Close()

			client := NewClient("test-key", WithBaseURL(server.URL))
			resp, err := client.ChatCompletion(context.Background(), ChatCompletionRequest{
				Messages: []Message{{Role: "user", Content: "What did critics say?"}},
			})

			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, tt.transient, resilience.IsTransient(err))
				return
			}
			require.NoError(t, err)
			tt.check(t, resp)
		})
	}
}

func TestChatCompletionDefaultModel(t *testing.T) {
	var gotModel string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ChatCompletionRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotModel = req.Model
		_, _ = w.Write([]byte(`{"id":"x","choices":[],"usage":{}}`))
	}))
	defer server.Close()

	client := NewClient("k", WithBaseURL(server.URL), WithModel("sonar"))
	_, err := client.ChatCompletion(context.Background(), ChatCompletionRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "sonar", gotModel)
}
