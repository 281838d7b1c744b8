package resilience

import (
	"time"
)

// DeadLetter is a work message that exhausted its retry budget. It is kept
// for manual inspection; nothing replays it automatically.
type DeadLetter struct {
	ID            string    `json:"id"`
	ItemID        int64     `json:"item_id"`
	Title         string    `json:"title,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Error         string    `json:"error"`
	ErrorType     string    `json:"error_type"` // "transient" or "permanent"
	Attempts      int       `json:"attempts"`
	CreatedAt     time.Time `json:"created_at"`
}

// ClassifyError categorizes an error as "transient" or "permanent".
func ClassifyError(err error) string {
	if IsTransient(err) {
		return "transient"
	}
	return "permanent"
}
