// Package events publishes expansion outcomes for downstream consumers.
package events

import (
	"context"
	"sync"
	"time"
)

// Event names.
const (
	NameSeriesExpanded = "series.expanded"
	NameJobFailed      = "job.failed"
)

// SeriesExpanded is published after a successful expansion run.
type SeriesExpanded struct {
	SeriesID  string    `json:"series_id"`
	JobID     string    `json:"job_id"`
	Created   int       `json:"created"`
	Skipped   int       `json:"skipped"`
	Truncated bool      `json:"truncated"`
	At        time.Time `json:"at"`
}

// JobFailed is published when a job is marked failed and left for an operator.
type JobFailed struct {
	JobID    string    `json:"job_id"`
	SeriesID string    `json:"series_id"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error"`
	At       time.Time `json:"at"`
}

// Publisher delivers named events. Delivery is best effort.
type Publisher interface {
	Publish(ctx context.Context, name string, payload any) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, string, any) error { return nil }

// Published is one event captured by Memory.
type Published struct {
	Name    string
	Payload any
}

// Memory keeps published events in order.
type Memory struct {
	mu     sync.Mutex
	events []Published
}

func (m *Memory) Publish(_ context.Context, name string, payload any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, Published{Name: name, Payload: payload})
	return nil
}

// Events returns a copy of everything published so far.
func (m *Memory) Events() []Published {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Published(nil), m.events...)
}
