package enrich

import "fmt"

// EvidenceFetchError means the evidence provider could not produce usable
// research for an item. The queue layer decides whether to retry based on
// the wrapped cause.
type EvidenceFetchError struct {
	ItemID int64
	Err    error
}

func (e *EvidenceFetchError) Error() string {
	return fmt.Sprintf("enrich: evidence fetch for item %d: %v", e.ItemID, e.Err)
}

func (e *EvidenceFetchError) Unwrap() error { return e.Err }

// ExtractionError means the extraction model call itself failed.
type ExtractionError struct {
	ItemID int64
	Err    error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("enrich: extraction for item %d: %v", e.ItemID, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// ExtractionParseError means the extraction model returned output that does
// not match the extraction schema. Raw carries the offending payload for
// inspection; the output is never coerced.
type ExtractionParseError struct {
	ItemID int64
	Raw    string
	Err    error
}

func (e *ExtractionParseError) Error() string {
	return fmt.Sprintf("enrich: extraction parse for item %d: %v", e.ItemID, e.Err)
}

func (e *ExtractionParseError) Unwrap() error { return e.Err }

// GenerationError means the roast generation model call failed.
type GenerationError struct {
	ItemID int64
	Err    error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("enrich: generation for item %d: %v", e.ItemID, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// GenerationParseError means the generation output failed roast schema
// validation. Raw carries the model output verbatim.
type GenerationParseError struct {
	ItemID int64
	Raw    string
	Err    error
}

func (e *GenerationParseError) Error() string {
	return fmt.Sprintf("enrich: generation parse for item %d: %v", e.ItemID, e.Err)
}

func (e *GenerationParseError) Unwrap() error { return e.Err }
