package telemetry

import "time"

// Publisher sends messages to a broker
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Close() error
}

// Event is a run lifecycle transition
type Event string

const (
	EventStarted  Event = "STARTED"
	EventFinished Event = "FINISHED"
	EventFault    Event = "FAULT"
)

// StatusEvent describes a run lifecycle transition
type StatusEvent struct {
	Timestamp time.Time
	Event     Event
	Mode      string
	Address   string
	Identity  string
	Cycles    int
	Samples   int
	OCV       float64 // NaN when unknown
	Stopped   bool
	Error     string
}
