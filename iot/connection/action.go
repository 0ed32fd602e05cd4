package connection

import "fmt"

// Action is an operation which requires a connected transport. It is one of Publish,
// Subscribe or Unsubscribe.
type Action interface {
	complete(err error)
	fmt.Stringer
}

// Publish publishes Payload to Topic
type Publish struct {
	Topic   string
	Payload []byte
	// Done is called exactly once, with nil after the acknowledgement or with an error
	Done func(error)
}

// Subscribe subscribes to the topic filter Topic
type Subscribe struct {
	Topic string
	QoS   byte
	// Done is called exactly once, with nil after the acknowledgement or with an error
	Done func(error)
}

// Unsubscribe removes the subscription to the topic filter Topic
type Unsubscribe struct {
	Topic string
	// Done is called exactly once, with nil after the acknowledgement or with an error
	Done func(error)
}

func (a Publish) complete(err error) {
	if a.Done != nil {
		a.Done(err)
	}
}

func (a Subscribe) complete(err error) {
	if a.Done != nil {
		a.Done(err)
	}
}

func (a Unsubscribe) complete(err error) {
	if a.Done != nil {
		a.Done(err)
	}
}

func (a Publish) String() string     { return fmt.Sprintf("publish %s (%d bytes)", a.Topic, len(a.Payload)) }
func (a Subscribe) String() string   { return fmt.Sprintf("subscribe %s qos %d", a.Topic, a.QoS) }
func (a Unsubscribe) String() string { return "unsubscribe " + a.Topic }
