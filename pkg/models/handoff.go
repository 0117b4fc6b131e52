package models

import "time"

// Handoff is the durable record of one step's output. Handoffs are
// append-only: a step may accumulate several across retries, and the one with
// the highest Seq is authoritative for resume and chaining.
type Handoff struct {
	ID        string    `json:"id"`
	StepID    string    `json:"step_id"`
	Seq       int64     `json:"seq"` // storage-assigned, strictly increasing
	Content   string    `json:"content"`
	Metadata  *string   `json:"metadata,omitempty"` // serialized handoff.Record
	CreatedAt time.Time `json:"created_at"`
}
