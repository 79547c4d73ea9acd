package metering

// EventKind identifies the billable action a usage event meters.
// The set is closed: events carrying any other kind are rejected at the door.
type EventKind string

const (
	EventKindInvitation EventKind = "invitation"
	EventKindSMS        EventKind = "sms"
	EventKindAIQuery    EventKind = "ai_query"
	EventKindWhatsApp   EventKind = "whatsapp"
	EventKindEmail      EventKind = "email"
)

// AllEventKinds returns every valid event kind in a stable order
func AllEventKinds() []EventKind {
	return []EventKind{
		EventKindInvitation,
		EventKindSMS,
		EventKindAIQuery,
		EventKindWhatsApp,
		EventKindEmail,
	}
}

// IsValid checks if the event kind is a known value
func (k EventKind) IsValid() bool {
	switch k {
	case EventKindInvitation, EventKindSMS, EventKindAIQuery, EventKindWhatsApp, EventKindEmail:
		return true
	}
	return false
}

// String returns the string representation
func (k EventKind) String() string {
	return string(k)
}

// DisplayName returns a human-readable name for the event kind
func (k EventKind) DisplayName() string {
	switch k {
	case EventKindInvitation:
		return "Guest Invitations"
	case EventKindSMS:
		return "SMS Messages"
	case EventKindAIQuery:
		return "AI Queries"
	case EventKindWhatsApp:
		return "WhatsApp Messages"
	case EventKindEmail:
		return "Email Messages"
	default:
		return string(k)
	}
}

// ParseEventKind parses a string into an EventKind, rejecting unknown values
func ParseEventKind(s string) (EventKind, error) {
	kind := EventKind(s)
	if !kind.IsValid() {
		return "", ErrUnknownEventKind
	}
	return kind, nil
}

// SyncState tracks where a usage event stands relative to the external
// billing provider. The local ledger is authoritative regardless of state.
type SyncState string

const (
	// SyncStatePending means the event has not been submitted yet
	SyncStatePending SyncState = "pending"
	// SyncStateInFlight means a reconciler worker holds a lease on the event
	SyncStateInFlight SyncState = "in_flight"
	// SyncStateSynced means the provider acknowledged the event
	SyncStateSynced SyncState = "synced"
	// SyncStateFailed means the last submission attempt failed
	SyncStateFailed SyncState = "failed"
)

// IsValid checks if the sync state is a known value
func (s SyncState) IsValid() bool {
	switch s {
	case SyncStatePending, SyncStateInFlight, SyncStateSynced, SyncStateFailed:
		return true
	}
	return false
}

// String returns the string representation
func (s SyncState) String() string {
	return string(s)
}

// IsTerminal reports whether the state requires no further reconciliation
func (s SyncState) IsTerminal() bool {
	return s == SyncStateSynced
}
