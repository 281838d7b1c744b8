package enrich

import (
	"strings"

	"github.com/rotisserie/eris"
)

// extractJSONBlock pulls the JSON object out of a model response. Models
// occasionally wrap output in markdown fences or preamble text despite
// instructions; anything beyond that is a parse failure, not something to
// repair.
func extractJSONBlock(text string) (string, error) {
	s := strings.TrimSpace(text)

	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return "", eris.New("enrich: no JSON object in response")
	}
	return s[start : end+1], nil
}
