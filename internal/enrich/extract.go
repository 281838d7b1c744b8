package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/screenroast/screenroast/internal/model"
	"github.com/screenroast/screenroast/pkg/anthropic"
)

const extractSystemPrompt = `You distill raw movie research into structured facts. Given research evidence as JSON, respond with ONLY a JSON object in this exact shape:
{
  "title": "canonical movie title",
  "plot": "2-3 sentence plot summary",
  "reception": "critical and audience reception, with scores where known",
  "production": "notable production facts",
  "trivia": ["short trivia fact", "..."]
}
Every field must be grounded in the evidence. Leave a field as an empty string or empty array if the evidence says nothing about it. No prose outside the JSON.`

// Extractor turns gathered evidence into a structured extraction using the
// cheap model.
type Extractor struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewExtractor creates an Extractor.
func NewExtractor(client anthropic.Client, model string, maxTokens int64) *Extractor {
	return &Extractor{client: client, model: model, maxTokens: maxTokens}
}

// Extract runs the extraction stage. A model-call failure surfaces as
// ExtractionError; output that does not match the extraction schema
// surfaces as ExtractionParseError with the raw output attached.
func (e *Extractor) Extract(ctx context.Context, item model.Item, evidence *model.EvidencePayload) (*model.ExtractionPayload, model.Usage, error) {
	evidenceJSON, err := json.Marshal(evidence)
	if err != nil {
		return nil, model.Usage{}, &ExtractionError{ItemID: item.ID, Err: err}
	}

	resp, err := e.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     e.model,
		MaxTokens: e.maxTokens,
		System:    []anthropic.SystemBlock{{Text: extractSystemPrompt}},
		Messages: []anthropic.Message{
			{Role: "user", Content: fmt.Sprintf("Movie: %s\n\nEvidence:\n%s", item.Title, evidenceJSON)},
		},
	})
	if err != nil {
		return nil, model.Usage{}, &ExtractionError{ItemID: item.ID, Err: err}
	}

	usage := model.Usage{
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}

	text := resp.Text()
	raw, err := extractJSONBlock(text)
	if err != nil {
		return nil, usage, &ExtractionParseError{ItemID: item.ID, Raw: text, Err: err}
	}

	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	var payload model.ExtractionPayload
	if err := dec.Decode(&payload); err != nil {
		return nil, usage, &ExtractionParseError{ItemID: item.ID, Raw: text, Err: err}
	}

	if !payload.Valid() {
		return nil, usage, &ExtractionParseError{ItemID: item.ID, Raw: text, Err: errEmptyExtraction}
	}

	return &payload, usage, nil
}

var errEmptyExtraction = fmt.Errorf("extraction has no substantive fields")
