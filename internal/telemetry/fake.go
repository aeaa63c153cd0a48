package telemetry

// Message is one publish seen by FakePublisher
type Message struct {
	Topic    string
	QoS      byte
	Retained bool
	Payload  []byte
}

// FakePublisher records published messages for test assertions
type FakePublisher struct {
	// Messages contains every message that was published
	Messages []Message

	// PublishError, if set, will be returned by Publish
	PublishError error

	// Closed tracks if Close was called
	Closed bool
}

func NewFakePublisher() *FakePublisher {
	return &FakePublisher{}
}

func (f *FakePublisher) Publish(topic string, qos byte, retained bool, payload []byte) error {
	if f.PublishError != nil {
		return f.PublishError
	}

	f.Messages = append(f.Messages, Message{Topic: topic, QoS: qos, Retained: retained, Payload: payload})
	return nil
}

func (f *FakePublisher) Close() error {
	f.Closed = true
	return nil
}

// Topic returns the messages published to topic
func (f *FakePublisher) Topic(topic string) []Message {
	var out []Message
	for _, m := range f.Messages {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}
