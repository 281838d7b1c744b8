package enrich

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/screenroast/screenroast/internal/model"
	"github.com/screenroast/screenroast/pkg/perplexity"
)

const evidenceSystemPrompt = `You are a film research assistant. Research the given movie and respond with ONLY a JSON object in this exact shape:
{
  "hits": [{"title": "...", "url": "...", "snippet": "..."}],
  "faq": [{"question": "...", "answer": "..."}],
  "infobox": {"director": "...", "budget": "...", "box_office": "...", "runtime": "...", "rating": "..."}
}
Cover critical reception, box office performance, production troubles, and notable trivia. Include at least three hits. No prose outside the JSON.`

// Searcher gathers external evidence for an item.
type Searcher interface {
	Gather(ctx context.Context, item model.Item) (*model.EvidencePayload, []string, model.Usage, error)
}

// perplexitySearcher implements Searcher over the Perplexity chat API.
// Citations and search results returned by the API are folded into the
// evidence so every roast can point back at its sources.
type perplexitySearcher struct {
	client perplexity.Client
	model  string
}

// NewSearcher creates a Perplexity-backed evidence searcher.
func NewSearcher(client perplexity.Client, model string) Searcher {
	return &perplexitySearcher{client: client, model: model}
}

func (s *perplexitySearcher) Gather(ctx context.Context, item model.Item) (*model.EvidencePayload, []string, model.Usage, error) {
	prompt := fmt.Sprintf("Research the movie %q", item.Title)
	if item.ReleaseDate != nil {
		prompt = fmt.Sprintf("%s (released %s)", prompt, item.ReleaseDate.Format("2006-01-02"))
	}

	resp, err := s.client.ChatCompletion(ctx, perplexity.ChatCompletionRequest{
		Model: s.model,
		Messages: []perplexity.Message{
			{Role: "system", Content: evidenceSystemPrompt},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return nil, nil, model.Usage{}, err
	}

	usage := model.Usage{
		SearchQueries: 1,
		InputTokens:   int64(resp.Usage.PromptTokens),
		OutputTokens:  int64(resp.Usage.CompletionTokens),
	}

	if len(resp.Choices) == 0 {
		return nil, nil, usage, eris.New("enrich: evidence response has no choices")
	}

	raw, err := extractJSONBlock(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, nil, usage, err
	}

	var payload model.EvidencePayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, nil, usage, eris.Wrap(err, "enrich: unmarshal evidence")
	}

	// Search results the provider consulted count as hits even when the
	// model left them out of its JSON.
	for _, sr := range resp.SearchResults {
		payload.Hits = append(payload.Hits, model.SearchHit{
			Title:   sr.Title,
			URL:     sr.URL,
			Snippet: sr.Snippet,
		})
	}

	if !payload.Valid() {
		return nil, nil, usage, eris.New("enrich: evidence payload is empty")
	}

	return &payload, resp.Citations, usage, nil
}
