package model

import (
	"strings"
	"time"
)

// SearchHit is a single research result from the evidence provider.
type SearchHit struct {
	Title   string `json:"title"`
	URL     string `json:"url,omitempty"`
	Snippet string `json:"snippet"`
}

// FAQEntry is a question/answer pair surfaced by research.
type FAQEntry struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// EvidencePayload is the raw research gathered for an item: search hits,
// FAQ-style findings, and an infobox of key facts.
type EvidencePayload struct {
	Hits    []SearchHit       `json:"hits,omitempty"`
	FAQ     []FAQEntry        `json:"faq,omitempty"`
	Infobox map[string]string `json:"infobox,omitempty"`
}

// Valid reports whether the payload is non-trivially populated. A payload
// that exists but carries no hits, FAQ entries, or infobox fields is
// treated as missing by the pipeline, since a failed run may have stored
// an empty shell that must read as a cache miss.
func (p *EvidencePayload) Valid() bool {
	if p == nil {
		return false
	}
	return len(p.Hits) > 0 || len(p.FAQ) > 0 || len(p.Infobox) > 0
}

// ExtractionPayload is the structured distillation of the evidence.
type ExtractionPayload struct {
	Title      string   `json:"title,omitempty"`
	Plot       string   `json:"plot,omitempty"`
	Reception  string   `json:"reception,omitempty"`
	Production string   `json:"production,omitempty"`
	Trivia     []string `json:"trivia,omitempty"`
}

// Valid reports whether the extraction carries at least one substantive
// section. Mirrors EvidencePayload.Valid: shape, not mere presence.
func (p *ExtractionPayload) Valid() bool {
	if p == nil {
		return false
	}
	return strings.TrimSpace(p.Title) != "" ||
		strings.TrimSpace(p.Plot) != "" ||
		strings.TrimSpace(p.Reception) != ""
}

// Usage aggregates provider consumption for one truth record.
type Usage struct {
	SearchQueries int     `json:"search_queries"`
	InputTokens   int64   `json:"input_tokens"`
	OutputTokens  int64   `json:"output_tokens"`
	CostUSD       float64 `json:"cost_usd"`
}

// Add merges another usage into the receiver.
func (u *Usage) Add(other Usage) {
	u.SearchQueries += other.SearchQueries
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CostUSD += other.CostUSD
}

// TruthRecord is the append-only evidence+extraction artifact that grounds
// a generated roast in external facts. The latest record per item is the
// one the pipeline consults.
type TruthRecord struct {
	ID         string             `json:"id"`
	ItemID     int64              `json:"item_id"`
	Source     string             `json:"source"`
	Model      string             `json:"model"`
	FetchedAt  time.Time          `json:"fetched_at"`
	Evidence   *EvidencePayload   `json:"evidence,omitempty"`
	Extraction *ExtractionPayload `json:"extraction,omitempty"`
	Citations  []string           `json:"citations,omitempty"`
	Usage      Usage              `json:"usage"`
}

// Complete reports whether both payloads pass their shape checks.
func (r *TruthRecord) Complete() bool {
	return r != nil && r.Evidence.Valid() && r.Extraction.Valid()
}
