package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	EventGeofenceEnter = "geofence.enter"
	EventGeofenceExit  = "geofence.exit"
	EventGeofenceDwell = "geofence.dwell"
)

// GeofenceEvent is a fired transition handed to the dispatcher by the
// ingestion side. Whether the transition occurred was decided upstream.
type GeofenceEvent struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	OwnerID   string    `json:"owner_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      EventData `json:"data"`
}

// EventData carries the event-specific payload fields. A fixed schema rather
// than a free-form map keeps payload serialization, and therefore signing,
// deterministic.
type EventData struct {
	DeviceID     string  `json:"device_id"`
	GeofenceID   string  `json:"geofence_id"`
	GeofenceName string  `json:"geofence_name,omitempty"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	DwellSeconds int     `json:"dwell_seconds,omitempty"`
}

func NewEventID() string {
	return "evt_" + uuid.NewString()
}

func KnownEventType(eventType string) bool {
	switch eventType {
	case EventGeofenceEnter, EventGeofenceExit, EventGeofenceDwell:
		return true
	}
	return false
}

func (e *GeofenceEvent) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: missing event id", ErrInvalidInput)
	}
	if e.OwnerID == "" {
		return fmt.Errorf("%w: missing owner id", ErrInvalidInput)
	}
	if !KnownEventType(e.Type) {
		return fmt.Errorf("%w: unknown event type %q", ErrInvalidInput, e.Type)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidInput)
	}
	if e.Data.DeviceID == "" {
		return fmt.Errorf("%w: missing device id", ErrInvalidInput)
	}
	if e.Data.GeofenceID == "" {
		return fmt.Errorf("%w: missing geofence id", ErrInvalidInput)
	}
	return nil
}
