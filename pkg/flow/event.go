package flow

// EventType describes the kind of change that occurred in the store.
type EventType string

const (
	EventRequest  EventType = "request"
	EventResponse EventType = "response"
	EventReset    EventType = "reset"
)

// Event carries a store change notification to subscribers. Record is a
// snapshot taken at the time of the change and is zero for EventReset.
type Event struct {
	Type   EventType `json:"type"`
	Record Record    `json:"record"`
}
