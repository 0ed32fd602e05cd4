package connection

import (
	"errors"
	"fmt"
	"sort"

	"github.com/relabs-tech/dps/core/logger"
	"github.com/relabs-tech/dps/iot"
	"github.com/sirupsen/logrus"
)

// State is the connection state of the coordinator
type State int

// all connection states
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// Errors delivered to the Done callbacks of actions which could not be acknowledged.
var (
	ErrNotConnected   = fmt.Errorf("%w: not connected", iot.ErrTransport)
	ErrConnectionLost = fmt.Errorf("%w: connection lost", iot.ErrTransport)
	ErrIDReused       = fmt.Errorf("%w: message id reused before acknowledgement", iot.ErrTransport)
)

// CredentialSource provides the password for connecting the transport. It is asked on
// every connect and reconnect.
type CredentialSource interface {
	Password() string
}

// Coordinator owns a Transport. It tracks the connection state, queues actions while the
// transport is not connected and matches acknowledgements to the actions that caused them.
//
// A Coordinator is not safe for concurrent use. All methods, including the Handle* transport
// notifications, must be called from the single goroutine that owns it.
type Coordinator struct {
	transport   iot.Transport
	credentials CredentialSource
	rlog        *logrus.Entry

	state              State
	pending            []Action
	inFlight           map[uint16]func(error)
	earlyAcks          map[uint16]error
	disconnectWaiters  []func()
	connectAfterwards  bool
	// subscriptions are restored on every connect, the transport starts each
	// connection with a clean session
	subscriptions      map[string]byte
	stateChangeHandler func(old, new State)
	messageHandler     func(topic string, payload []byte)
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithLogger sets the logger of the coordinator
func WithLogger(rlog *logrus.Entry) Option {
	return func(c *Coordinator) {
		if rlog != nil {
			c.rlog = rlog
		}
	}
}

// New returns a coordinator for transport in state disconnected. It does not register
// itself as transport handler, the owner forwards transport events to the Handle* methods.
func New(transport iot.Transport, credentials CredentialSource, options ...Option) *Coordinator {
	if transport == nil {
		panic("transport is missing")
	}
	if credentials == nil {
		panic("credentials are missing")
	}
	c := &Coordinator{
		transport:     transport,
		credentials:   credentials,
		rlog:          logger.Default(),
		state:         StateDisconnected,
		inFlight:      make(map[uint16]func(error)),
		earlyAcks:     make(map[uint16]error),
		subscriptions: make(map[string]byte),
	}
	for _, o := range options {
		o(c)
	}
	c.rlog = logger.ForComponent(c.rlog, "connection")
	return c
}

// SetStateChangeHandler installs a handler which is called on every state transition
func (c *Coordinator) SetStateChangeHandler(handler func(old, new State)) {
	c.stateChangeHandler = handler
}

// SetMessageHandler installs the handler for inbound application messages
func (c *Coordinator) SetMessageHandler(handler func(topic string, payload []byte)) {
	c.messageHandler = handler
}

// State returns the current connection state
func (c *Coordinator) State() State {
	return c.state
}

// Pending returns the number of queued actions
func (c *Coordinator) Pending() int {
	return len(c.pending)
}

// InFlight returns the number of submitted actions waiting for their acknowledgement
func (c *Coordinator) InFlight() int {
	return len(c.inFlight)
}

// EarlyAcks returns the number of recorded acknowledgements for unknown message ids
func (c *Coordinator) EarlyAcks() int {
	return len(c.earlyAcks)
}

// Subscriptions returns the acknowledged topic filters which are restored on reconnect
func (c *Coordinator) Subscriptions() []string {
	filters := make([]string, 0, len(c.subscriptions))
	for filter := range c.subscriptions {
		filters = append(filters, filter)
	}
	sort.Strings(filters)
	return filters
}

// Connect queues actions and connects the transport. Actions are queued in every state:
// when already connected they are executed right away, while connecting they are executed
// once connected, and while disconnecting the coordinator connects again after the
// disconnect completed.
func (c *Coordinator) Connect(actions ...Action) {
	c.pending = append(c.pending, actions...)
	switch c.state {
	case StateDisconnected:
		c.startConnect()
	case StateConnecting:
	case StateConnected:
		c.flush()
	case StateDisconnecting:
		c.connectAfterwards = true
	}
}

// Submit queues a single action. It connects the transport if necessary.
func (c *Coordinator) Submit(action Action) {
	c.Connect(action)
}

// Disconnect disconnects the transport and calls done once the transport is disconnected.
//
// preActions are executed before the disconnect on a best effort basis: if the transport
// is connected they are submitted immediately, otherwise they fail with ErrNotConnected.
// Actions still queued from before are failed with ErrNotConnected. Subscriptions are
// forgotten, the next connect starts without any.
func (c *Coordinator) Disconnect(done func(), preActions ...Action) {
	for _, action := range preActions {
		if c.state == StateConnected {
			c.execute(action)
		} else {
			c.rlog.Debugf("skipping %s, not connected", action)
			action.complete(ErrNotConnected)
		}
	}

	c.connectAfterwards = false
	c.failPending(ErrNotConnected)
	c.subscriptions = make(map[string]byte)

	switch c.state {
	case StateDisconnected:
		if done != nil {
			done()
		}
		return
	case StateDisconnecting:
	case StateConnecting, StateConnected:
		c.setState(StateDisconnecting)
		if err := c.transport.Disconnect(); err != nil {
			c.rlog.WithError(err).Warnln("transport disconnect failed")
			if done != nil {
				c.disconnectWaiters = append(c.disconnectWaiters, done)
			}
			c.HandleDisconnected(err)
			return
		}
	}
	if done != nil {
		c.disconnectWaiters = append(c.disconnectWaiters, done)
	}
}

// CredentialRotated reconnects a connected transport with a freshly signed password. Queued
// and in-flight actions are kept and subscriptions are restored once reconnected. It does
// nothing if the transport is not connected.
func (c *Coordinator) CredentialRotated() {
	if c.state != StateConnected {
		c.rlog.Debugf("credential rotated while %s, nothing to do", c.state)
		return
	}
	c.setState(StateConnecting)
	c.rlog.Infoln("reconnecting with renewed credential")
	if err := c.transport.Reconnect(c.credentials.Password()); err != nil {
		c.HandleDisconnected(err)
	}
}

// HandleConnected processes the transport's connect completion
func (c *Coordinator) HandleConnected() {
	switch c.state {
	case StateConnecting:
		c.setState(StateConnected)
		c.restoreSubscriptions()
		c.flush()
	case StateDisconnecting:
		c.rlog.Debugln("connect completed while disconnecting, waiting for disconnect")
	default:
		c.rlog.Warnf("unexpected connect completion while %s", c.state)
	}
}

// HandleDisconnected processes the loss of the transport connection. err is nil for a
// requested disconnect.
func (c *Coordinator) HandleDisconnected(err error) {
	switch c.state {
	case StateDisconnected:
		c.rlog.Debugln("disconnect notification while disconnected")
		return
	case StateConnecting:
		c.rlog.WithError(err).Errorln("connect failed")
		c.setState(StateDisconnected)
		cause := ErrNotConnected
		if err != nil {
			cause = transportError(err)
		}
		c.failPending(cause)
		c.failInFlight(cause)
	case StateConnected:
		c.rlog.WithError(err).Warnln("connection lost")
		c.setState(StateDisconnected)
		c.failInFlight(ErrConnectionLost)
	case StateDisconnecting:
		c.setState(StateDisconnected)
		c.failInFlight(ErrNotConnected)
	}

	c.earlyAcks = make(map[uint16]error)

	waiters := c.disconnectWaiters
	c.disconnectWaiters = nil
	for _, done := range waiters {
		done()
	}

	if c.state == StateDisconnected && (c.connectAfterwards || len(c.pending) > 0) {
		c.connectAfterwards = false
		c.startConnect()
	}
}

// HandleAck processes the acknowledgement of the action with message id. If no action with
// this id is in flight yet, the acknowledgement is remembered and resolves the next action
// which gets that id.
func (c *Coordinator) HandleAck(id uint16, err error) {
	if done, ok := c.inFlight[id]; ok {
		delete(c.inFlight, id)
		done(transportError(err))
		return
	}
	c.rlog.Warnf("acknowledgement with unknown message id %d", id)
	c.earlyAcks[id] = err
}

// HandleMessage forwards an inbound application message to the message handler
func (c *Coordinator) HandleMessage(topic string, payload []byte) {
	if c.state == StateDisconnected {
		c.rlog.Debugf("dropping message on %s while disconnected", topic)
		return
	}
	if c.messageHandler == nil {
		c.rlog.Debugf("no handler for message on %s", topic)
		return
	}
	c.messageHandler(topic, payload)
}

func (c *Coordinator) startConnect() {
	c.setState(StateConnecting)
	c.rlog.Infoln("connecting transport")
	if err := c.transport.Connect(c.credentials.Password()); err != nil {
		c.HandleDisconnected(err)
	}
}

// restoreSubscriptions resubscribes to every acknowledged topic filter. It runs before the
// pending queue is flushed, so responses to queued requests are not missed.
func (c *Coordinator) restoreSubscriptions() {
	for _, filter := range c.Subscriptions() {
		c.rlog.Debugf("restoring subscription to %s", filter)
		c.execute(Subscribe{
			Topic: filter,
			QoS:   c.subscriptions[filter],
			Done: func(err error) {
				if err != nil {
					c.rlog.WithError(err).Errorf("cannot restore subscription to %s", filter)
				}
			},
		})
	}
}

// flush drains the pending queue in FIFO order
func (c *Coordinator) flush() {
	for len(c.pending) > 0 && c.state == StateConnected {
		action := c.pending[0]
		c.pending[0] = nil
		c.pending = c.pending[1:]
		c.execute(action)
	}
}

func (c *Coordinator) execute(action Action) {
	var (
		id  uint16
		err error
	)
	switch a := action.(type) {
	case Publish:
		id, err = c.transport.Publish(a.Topic, a.Payload)
	case Subscribe:
		action = c.remembered(a)
		id, err = c.transport.Subscribe(a.Topic, a.QoS)
	case Unsubscribe:
		delete(c.subscriptions, a.Topic)
		id, err = c.transport.Unsubscribe(a.Topic)
	default:
		err = fmt.Errorf("%w: unknown action %T", iot.ErrTransport, action)
	}
	if err != nil {
		c.rlog.WithError(err).Warnf("%s failed", action)
		action.complete(transportError(err))
		return
	}
	c.rlog.Debugf("%s with message id %d", action, id)

	if ackErr, ok := c.earlyAcks[id]; ok {
		delete(c.earlyAcks, id)
		action.complete(transportError(ackErr))
		return
	}
	if previous, ok := c.inFlight[id]; ok {
		c.rlog.Warnf("message id %d reused while in flight", id)
		previous(ErrIDReused)
	}
	c.inFlight[id] = action.complete
}

// remembered returns a copy of a which records the subscription once it is acknowledged
func (c *Coordinator) remembered(a Subscribe) Subscribe {
	done := a.Done
	a.Done = func(err error) {
		if err == nil {
			c.subscriptions[a.Topic] = a.QoS
		}
		if done != nil {
			done(err)
		}
	}
	return a
}

func (c *Coordinator) failPending(err error) {
	pending := c.pending
	c.pending = nil
	for _, action := range pending {
		action.complete(err)
	}
}

func (c *Coordinator) failInFlight(err error) {
	inFlight := c.inFlight
	c.inFlight = make(map[uint16]func(error))
	for _, done := range inFlight {
		done(err)
	}
}

func (c *Coordinator) setState(state State) {
	if state == c.state {
		return
	}
	old := c.state
	c.state = state
	c.rlog.Debugf("state %s -> %s", old, state)
	if c.stateChangeHandler != nil {
		c.stateChangeHandler(old, state)
	}
}

// transportError makes sure err wraps iot.ErrTransport
func transportError(err error) error {
	if err == nil || errors.Is(err, iot.ErrTransport) {
		return err
	}
	return fmt.Errorf("%w: %w", iot.ErrTransport, err)
}
