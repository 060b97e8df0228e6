// Package events defines the portal's internal event vocabulary and the
// subjects they are published on.
package events

// Subjects for room lifecycle events.
const (
	SubjectRoomCreated  = "room.created"
	SubjectRoomGone     = "room.gone"
	SubjectRoomActivity = "room.activity"
	SubjectRoomConfig   = "room.config"

	// SubjectRoomAll matches every room event.
	SubjectRoomAll = "room.*"
)

// Data keys used in room event payloads.
const (
	KeyRoomID  = "room_id"
	KeyMachine = "machine"
	KeyActive  = "active"
	KeyReason  = "reason"
)

// Reasons attached to room.gone events.
const (
	ReasonKilled     = "killed"
	ReasonReconciled = "reconciled"
	ReasonPumpLost   = "pump_lost"
)
