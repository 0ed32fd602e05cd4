// Package transporttest provides a scripted in-memory iot.Transport for tests.
package transporttest

import (
	"sync"

	"github.com/relabs-tech/dps/iot"
)

// kinds of recorded calls
const (
	KindConnect     = "connect"
	KindReconnect   = "reconnect"
	KindDisconnect  = "disconnect"
	KindPublish     = "publish"
	KindSubscribe   = "subscribe"
	KindUnsubscribe = "unsubscribe"
)

// Call is a recorded transport call
type Call struct {
	Kind     string
	Topic    string
	Payload  []byte
	QoS      byte
	Password string
	ID       uint16
}

// Transport records all calls and hands out message ids. By default it does not talk back
// to its handler, tests drive the handler themselves. With AutoConnect and AutoAck it
// behaves like a well-mannered broker.
//
// Every Connect and Reconnect starts a clean session, subscriptions made before are gone.
type Transport struct {
	// AutoConnect completes Connect, Reconnect and Disconnect immediately through the handler
	AutoConnect bool
	// AutoAck acknowledges publish, subscribe and unsubscribe immediately through the handler
	AutoAck bool
	// OnPublish is called after every successful publish, after the acknowledgement if
	// AutoAck is set
	OnPublish func(topic string, payload []byte)

	mu       sync.Mutex
	handler  iot.TransportHandler
	calls    []Call
	nextID   uint16
	scripted []uint16
	failures map[string][]error
	// subscribed holds the filters of the current session
	subscribed map[string]bool
}

var _ iot.Transport = (*Transport)(nil)

// New returns a new transport
func New() *Transport {
	return &Transport{
		failures:   make(map[string][]error),
		subscribed: make(map[string]bool),
	}
}

// SetHandler implements iot.Transport
func (t *Transport) SetHandler(h iot.TransportHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// Handler returns the installed handler
func (t *Transport) Handler() iot.TransportHandler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handler
}

// ScriptIDs makes the next submitted actions get the message ids ids, in order
func (t *Transport) ScriptIDs(ids ...uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scripted = append(t.scripted, ids...)
}

// FailNext makes the next call of kind return err
func (t *Transport) FailNext(kind string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures[kind] = append(t.failures[kind], err)
}

// Calls returns a copy of all recorded calls
func (t *Transport) Calls() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Call(nil), t.calls...)
}

// CallsOf returns the recorded calls of kind
func (t *Transport) CallsOf(kind string) []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	var calls []Call
	for _, c := range t.calls {
		if c.Kind == kind {
			calls = append(calls, c)
		}
	}
	return calls
}

// Count returns the number of recorded calls of kind
func (t *Transport) Count(kind string) int {
	return len(t.CallsOf(kind))
}

// Subscribed reports whether filter is subscribed in the current session
func (t *Transport) Subscribed(filter string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.subscribed[filter]
}

// Kinds returns the kinds of all recorded calls in order
func (t *Transport) Kinds() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	kinds := make([]string, len(t.calls))
	for i, c := range t.calls {
		kinds[i] = c.Kind
	}
	return kinds
}

// Connect implements iot.Transport
func (t *Transport) Connect(password string) error {
	h, _, err := t.record(Call{Kind: KindConnect, Password: password}, false)
	if err != nil {
		return err
	}
	if t.AutoConnect && h != nil {
		h.OnConnected()
	}
	return nil
}

// Reconnect implements iot.Transport
func (t *Transport) Reconnect(password string) error {
	h, _, err := t.record(Call{Kind: KindReconnect, Password: password}, false)
	if err != nil {
		return err
	}
	if t.AutoConnect && h != nil {
		h.OnConnected()
	}
	return nil
}

// Disconnect implements iot.Transport
func (t *Transport) Disconnect() error {
	h, _, err := t.record(Call{Kind: KindDisconnect}, false)
	if err != nil {
		return err
	}
	if t.AutoConnect && h != nil {
		h.OnDisconnected(nil)
	}
	return nil
}

// Publish implements iot.Transport
func (t *Transport) Publish(topic string, payload []byte) (uint16, error) {
	id, err := t.submit(Call{Kind: KindPublish, Topic: topic, Payload: append([]byte(nil), payload...)})
	if err != nil {
		return 0, err
	}
	if t.OnPublish != nil {
		t.OnPublish(topic, payload)
	}
	return id, nil
}

// Subscribe implements iot.Transport
func (t *Transport) Subscribe(topic string, qos byte) (uint16, error) {
	return t.submit(Call{Kind: KindSubscribe, Topic: topic, QoS: qos})
}

// Unsubscribe implements iot.Transport
func (t *Transport) Unsubscribe(topic string) (uint16, error) {
	return t.submit(Call{Kind: KindUnsubscribe, Topic: topic})
}

func (t *Transport) submit(call Call) (uint16, error) {
	h, id, err := t.record(call, true)
	if err != nil {
		return 0, err
	}
	if t.AutoAck && h != nil {
		h.OnAck(id, nil)
	}
	return id, nil
}

// record appends call and returns the handler. The mutex is not held when the caller
// talks to the handler.
func (t *Transport) record(call Call, withID bool) (iot.TransportHandler, uint16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if errs := t.failures[call.Kind]; len(errs) > 0 {
		t.failures[call.Kind] = errs[1:]
		return nil, 0, errs[0]
	}
	if withID {
		call.ID = t.allocateID()
	}
	t.calls = append(t.calls, call)
	switch call.Kind {
	case KindConnect, KindReconnect:
		t.subscribed = make(map[string]bool)
	case KindSubscribe:
		t.subscribed[call.Topic] = true
	case KindUnsubscribe:
		delete(t.subscribed, call.Topic)
	}
	return t.handler, call.ID, nil
}

func (t *Transport) allocateID() uint16 {
	if len(t.scripted) > 0 {
		id := t.scripted[0]
		t.scripted = t.scripted[1:]
		return id
	}
	t.nextID++
	if t.nextID == 0 {
		t.nextID++
	}
	return t.nextID
}
