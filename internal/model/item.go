package model

import "time"

// Item is a catalog movie. The ID is the immutable upstream identifier;
// everything else is cached metadata refreshed whenever the catalog
// adapter supplies fresh data. Items are never deleted.
type Item struct {
	ID          int64      `json:"id"`
	Title       string     `json:"title"`
	ReleaseDate *time.Time `json:"release_date,omitempty"`
	Popularity  float64    `json:"popularity"`
	VoteAverage float64    `json:"vote_average"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// CategoryMember links an item to a tracked category. A category's full
// membership is replaced atomically on every refresh cycle, so edges never
// outlive the list that produced them.
type CategoryMember struct {
	Category string    `json:"category"`
	ItemID   int64     `json:"item_id"`
	AddedAt  time.Time `json:"added_at"`
}
