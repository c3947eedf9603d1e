// Package outbound implements the partitioned, back-pressured, retrying
// outbound gateway and the routing layer that feeds it.
package outbound

import (
	"fmt"

	"github.com/beeper/bridgekit/pkg/model"
)

// Category classifies an outbound failure for retry decisions.
type Category string

const (
	CategoryRetryable Category = "retryable"
	CategoryTerminal  Category = "terminal"
)

// Error is the full classification envelope for a failed outbound
// request. Disposition is always "terminal" by the time the error is
// surfaced: retryable failures are only visible after retries are
// exhausted.
type Error struct {
	Category     Category        `json:"category"`
	Disposition  string          `json:"disposition"`
	Operation    model.Operation `json:"operation"`
	Reason       string          `json:"reason"`
	Attempt      int             `json:"attempt"`
	MaxAttempts  int             `json:"max_attempts"`
	Partition    int             `json:"partition"`
	RoutingKey   string          `json:"routing_key"`
	Retryable    bool            `json:"retryable"`
	DeadLetterID string          `json:"dead_letter_id,omitempty"`
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("outbound %s failed (%s/%s) after attempt %d/%d: %s",
		e.Operation, e.Category, e.Disposition, e.Attempt, e.MaxAttempts, e.Reason)
	if e.DeadLetterID != "" {
		msg = fmt.Sprintf("%s (dead letter %s)", msg, e.DeadLetterID)
	}
	return msg
}

// Result is the outcome of one gateway submission.
type Result struct {
	OK           bool
	MessageID    string
	Attempts     int
	Partition    int
	Idempotent   bool
	Fallback     bool
	FallbackMode string
	Raw          map[string]any
	Err          *Error
}
