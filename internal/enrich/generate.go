package enrich

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/screenroast/screenroast/internal/model"
	"github.com/screenroast/screenroast/pkg/anthropic"
)

const generateSystemPrompt = `You write sharp, funny, factually grounded roasts of movies. Given structured facts about a movie, respond with ONLY a JSON object in this exact shape:
{
  "headline": "one punchy roast headline",
  "sections": [{"heading": "...", "body": "..."}],
  "tags": ["short-tag", "..."],
  "recommendations": [{"title": "...", "year": 2001, "reason": "watch this instead because ..."}]
}
Rules: at least two sections. Every jab must be grounded in the supplied facts; never invent plot points, scores, or box office numbers. Keep it mean but accurate. No prose outside the JSON.`

// Generator produces roast commentary from a truth record using the
// stronger model.
type Generator struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	language  string
}

// NewGenerator creates a Generator.
func NewGenerator(client anthropic.Client, modelID string, maxTokens int64, language string) *Generator {
	if language == "" {
		language = model.DefaultLanguage
	}
	return &Generator{client: client, model: modelID, maxTokens: maxTokens, language: language}
}

// Roast runs the generation stage. A model-call failure surfaces as
// GenerationError; output failing roast schema validation surfaces as
// GenerationParseError with the raw output attached.
func (g *Generator) Roast(ctx context.Context, item model.Item, truth *model.TruthRecord) (*model.RoastContent, model.Usage, error) {
	factsJSON, err := json.Marshal(truth.Extraction)
	if err != nil {
		return nil, model.Usage{}, &GenerationError{ItemID: item.ID, Err: err}
	}

	prompt := fmt.Sprintf("Movie: %s\nLanguage: %s\n\nFacts:\n%s", item.Title, g.language, factsJSON)

	resp, err := g.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     g.model,
		MaxTokens: g.maxTokens,
		System:    []anthropic.SystemBlock{{Text: generateSystemPrompt}},
		Messages:  []anthropic.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return nil, model.Usage{}, &GenerationError{ItemID: item.ID, Err: err}
	}

	usage := model.Usage{
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}

	text := resp.Text()
	raw, err := extractJSONBlock(text)
	if err != nil {
		return nil, usage, &GenerationParseError{ItemID: item.ID, Raw: text, Err: err}
	}

	var content model.RoastContent
	if err := json.Unmarshal([]byte(raw), &content); err != nil {
		return nil, usage, &GenerationParseError{ItemID: item.ID, Raw: text, Err: err}
	}

	if err := content.Validate(); err != nil {
		return nil, usage, &GenerationParseError{ItemID: item.ID, Raw: text, Err: err}
	}

	return &content, usage, nil
}
