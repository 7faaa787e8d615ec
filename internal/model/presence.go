package model

import "time"

// PresenceStatus is the aggregated availability of a user.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceOffline PresenceStatus = "offline"
)

// PresenceState is the per-user presence view.
type PresenceState struct {
	UserID     string         `json:"user_id"`
	Status     PresenceStatus `json:"status"`
	Sessions   int            `json:"sessions"`
	LastSeenAt time.Time      `json:"last_seen_at"`
}
