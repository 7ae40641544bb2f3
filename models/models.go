package models

import "time"

/*
	Change events reported by the bookkeeping handlers. The event kind is an
	open string on the wire so unrelated producers can extend it, but the
	notification layer only accepts the kinds listed here; anything else is
	dropped at the boundary.
*/

type EventType string

const (
	EventCashflowUpdated     EventType = "cashflow updated"
	EventAccountEntryUpdated EventType = "account entry updated"
	EventReceiptUpdated      EventType = "receipt updated"
	EventBudgetUpdated       EventType = "budget updated"
	EventActivityLogged      EventType = "activity logged"
	EventStatsUpdated        EventType = "stats updated"
)

var knownEventTypes = map[EventType]struct{}{
	EventCashflowUpdated:     {},
	EventAccountEntryUpdated: {},
	EventReceiptUpdated:      {},
	EventBudgetUpdated:       {},
	EventActivityLogged:      {},
	EventStatsUpdated:        {},
}

// Known reports whether the event type is one the notification layer accepts.
func (t EventType) Known() bool {
	_, ok := knownEventTypes[t]
	return ok
}

type Action string

const (
	ActionCreated  Action = "created"
	ActionUpdated  Action = "updated"
	ActionArchived Action = "archived"
	ActionBound    Action = "bound"
	ActionUnbound  Action = "unbound"
	ActionDeleted  Action = "deleted"
)

// Event is one reported change. Timestamp is stamped by the batcher when the
// event is accepted into pending state, never by the producer.
type Event struct {
	Type      EventType `json:"type"`
	EntityID  string    `json:"entityId,omitempty"`
	Action    Action    `json:"action"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// DedupKey is the identity used to collapse repeated events about the same
// entity. Events without an entity id collapse per type.
func (e Event) DedupKey() string {
	if e.EntityID == "" {
		return string(e.Type)
	}
	return string(e.Type) + ":" + e.EntityID
}

/*
	Wire messages for the subscribe websocket. Clients send control messages
	to join and leave user scopes; the server sends batch messages carrying
	the coalesced events for one scope. Ping/pong keepalive is handled by the
	transport and never appears here.
*/

const (
	ControlJoin  = "join"
	ControlLeave = "leave"
)

type ControlMessage struct {
	Action string `json:"action"`
	User   string `json:"user"`
}

const MessageKindBatch = "batch"

type BatchMessage struct {
	Kind   string  `json:"kind"`
	Events []Event `json:"events"`
}

/*
	HTTP payloads for the producer and health endpoints.
*/

// PublishRequest targets a single user scope when Scope is set, otherwise
// the global scope. Any timestamp in the event body is ignored.
type PublishRequest struct {
	Scope string `json:"scope,omitempty"`
	Event Event  `json:"event"`
}

type AliveResponse struct {
	Alive bool `json:"alive"`
}

type PingResponse struct {
	Status      string `json:"status"`
	Uptime      string `json:"uptime"`
	Connections int    `json:"connections"`
}
