package model

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// DefaultLanguage is the language roasts are generated in unless a message
// or request says otherwise.
const DefaultLanguage = "en"

// RoastSection is one titled body section of a roast.
type RoastSection struct {
	Heading string `json:"heading"`
	Body    string `json:"body"`
}

// Recommendation is a "watch instead" suggestion attached to a roast.
type Recommendation struct {
	Title  string `json:"title"`
	Year   int    `json:"year,omitempty"`
	Reason string `json:"reason"`
}

// RoastContent is the generated commentary. The generation stage must
// produce exactly this shape; anything else is a parse failure, never
// coerced.
type RoastContent struct {
	Headline        string           `json:"headline"`
	Sections        []RoastSection   `json:"sections"`
	Tags            []string         `json:"tags,omitempty"`
	Recommendations []Recommendation `json:"recommendations,omitempty"`
}

// Validate checks the fixed roast schema. Called on every generation
// result before persistence.
func (c *RoastContent) Validate() error {
	if c == nil {
		return eris.New("roast: content is nil")
	}
	if strings.TrimSpace(c.Headline) == "" {
		return eris.New("roast: headline is empty")
	}
	if len(c.Sections) == 0 {
		return eris.New("roast: no sections")
	}
	for i, s := range c.Sections {
		if strings.TrimSpace(s.Heading) == "" || strings.TrimSpace(s.Body) == "" {
			return eris.Errorf("roast: section %d missing heading or body", i)
		}
	}
	for i, r := range c.Recommendations {
		if strings.TrimSpace(r.Title) == "" {
			return eris.Errorf("roast: recommendation %d missing title", i)
		}
	}
	return nil
}

// RoastRecord is a versioned roast for an (item, language) pair. Exactly
// one record per pair has Active=true at any instant; the store enforces
// this with a partial unique index, not application sequencing.
type RoastRecord struct {
	ID           string          `json:"id"`
	ItemID       int64           `json:"item_id"`
	Language     string          `json:"language"`
	Content      RoastContent    `json:"content"`
	Model        string          `json:"model"`
	Availability json.RawMessage `json:"availability,omitempty"`
	Active       bool            `json:"active"`
	CreatedAt    time.Time       `json:"created_at"`
}
