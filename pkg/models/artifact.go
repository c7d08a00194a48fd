package models

import "time"

// Artifact is a permanently stored binary output
type Artifact struct {
	ID          string         `json:"id"`
	UserID      string         `json:"userId"`
	Key         string         `json:"key"`
	URL         string         `json:"url"`
	SourceURL   string         `json:"sourceUrl"`
	Kind        Kind           `json:"kind"`
	ContentType string         `json:"contentType"`
	Size        int64          `json:"size"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}
