package eventbus

import "github.com/dokzlo13/shaded/internal/protocol"

// Publisher implements protocol.Publisher on top of the bus.
type Publisher struct {
	bus *Bus
}

// NewPublisher creates a publisher emitting EventTypeOutbound events.
func NewPublisher(bus *Bus) *Publisher {
	return &Publisher{bus: bus}
}

// Publish queues msg for delivery. It never blocks.
func (p *Publisher) Publish(msg protocol.Outbound) {
	p.bus.Publish(Event{
		Type: EventTypeOutbound,
		Data: map[string]interface{}{
			KeyClientID: msg.ClientID,
			KeyPayload:  msg.Payload,
		},
	})
}

// Outbound extracts the message from an EventTypeOutbound event.
func Outbound(e Event) (protocol.Outbound, bool) {
	if e.Type != EventTypeOutbound {
		return protocol.Outbound{}, false
	}
	clientID, _ := e.Data[KeyClientID].(string)
	payload, ok := e.Data[KeyPayload]
	if !ok {
		return protocol.Outbound{}, false
	}
	return protocol.Outbound{ClientID: clientID, Payload: payload}, true
}
