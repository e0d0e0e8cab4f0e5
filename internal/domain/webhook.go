package domain

import "time"

// Webhook is a registered delivery target. Rows are owned by the management
// plane; the pipeline resolves them at dispatch time and mutates only the two
// breaker fields.
type Webhook struct {
	ID                  string     `json:"id"`
	OwnerID             string     `json:"owner_id"`
	TargetURL           string     `json:"target_url"`
	Secret              string     `json:"-"`
	EventTypes          []string   `json:"event_types"`
	Enabled             bool       `json:"enabled"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	CircuitOpenUntil    *time.Time `json:"circuit_open_until,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// CircuitOpen reports whether the breaker currently blocks attempts against
// this webhook. Once circuit_open_until elapses the next attempt proceeds as
// a normal closed-circuit attempt; there is no half-open probe state.
func (w *Webhook) CircuitOpen(now time.Time) bool {
	return w.CircuitOpenUntil != nil && w.CircuitOpenUntil.After(now)
}

func (w *Webhook) MatchesEventType(eventType string) bool {
	for _, t := range w.EventTypes {
		if t == "*" || t == eventType {
			return true
		}
		if matchWildcard(t, eventType) {
			return true
		}
	}
	return false
}

func matchWildcard(pattern, eventType string) bool {
	if len(pattern) == 0 {
		return len(eventType) == 0
	}

	if pattern[len(pattern)-1] == '*' {
		prefix := pattern[:len(pattern)-1]
		return len(eventType) >= len(prefix) && eventType[:len(prefix)] == prefix
	}

	return pattern == eventType
}
