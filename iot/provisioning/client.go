package provisioning

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/relabs-tech/dps/core/logger"
	"github.com/relabs-tech/dps/iot"
	"github.com/relabs-tech/dps/iot/connection"
	"github.com/relabs-tech/dps/iot/credentials"
	"github.com/relabs-tech/dps/iot/request"
	"github.com/relabs-tech/dps/iot/transport"
	"github.com/sirupsen/logrus"
)

// ErrRegistrationInProgress is delivered to a register callback if another registration
// is still active
var ErrRegistrationInProgress = errors.New("registration in progress")

// ErrClosed is delivered to callbacks of requests made after Close
var ErrClosed = fmt.Errorf("%w: client is closed", iot.ErrCancelled)

const (
	eventQueueSize = 64
	closeTimeout   = 10 * time.Second
)

// Builder is a builder helper for the Client
type Builder struct {
	// Config is the client configuration. This is mandatory.
	Config *Config
	// Transport is the MQTT transport. If it is nil, an MQTT transport is created from the
	// configuration. This is optional.
	Transport iot.Transport
	// Credentials provide the connection password. If nil, a symmetric key signer is created
	// from the configuration. This is optional.
	Credentials connection.CredentialSource
	// Logger is used for all log output. This is optional.
	Logger *logrus.Entry
	// OnConnectionStateChange is called on every transition of the connection. This is optional.
	OnConnectionStateChange func(old, new connection.State)
	// OnRegistrationUpdate is called for every status report of the service. This is optional.
	OnRegistrationUpdate func(RegistrationResult)
}

// Client registers a device with the provisioning service.
//
// All methods are safe for concurrent use. Callbacks are invoked from the client's event
// loop goroutine, one at a time. A callback may call the asynchronous methods, but must not
// block on the client's synchronous API.
type Client struct {
	config      Config
	transport   iot.Transport
	coordinator *connection.Coordinator
	correlator  *request.Correlator
	machine     *machine
	rlog        *logrus.Entry

	onConnectionStateChange func(old, new connection.State)

	events    chan event
	postMutex sync.RWMutex
	// backlog takes the events which do not fit into events. Once it is non-empty, new
	// events go to the backlog as well.
	backlogMutex sync.Mutex
	backlog      []event
	loopDone  bool
	closing   bool
	stopped   bool
	closeOnce sync.Once
	state     atomic.Int32
}

// New creates a client and starts its event loop. The transport is not connected until
// the first registration.
func New(b *Builder) (*Client, error) {
	if b == nil || b.Config == nil {
		return nil, fmt.Errorf("%w: config is missing", iot.ErrConfiguration)
	}
	config := *b.Config
	if err := config.Validate(); err != nil {
		return nil, err
	}

	rlog := b.Logger
	if rlog == nil {
		rlog = logger.ForRegistration(config.RegistrationID)
	}

	creds := b.Credentials
	if creds == nil {
		signer, err := credentials.NewSymmetricKeySigner(config.IDScope, config.RegistrationID, config.SymmetricKey)
		if err != nil {
			return nil, err
		}
		creds = signer
	}

	tr := b.Transport
	if tr == nil {
		var err error
		tr, err = transport.New(&transport.Builder{
			Host:     config.ProvisioningHost,
			Port:     config.Port,
			ClientID: config.RegistrationID,
			Username: config.Username(),
			Insecure: config.Insecure,
			Logger:   rlog,
		})
		if err != nil {
			return nil, err
		}
	}

	c := &Client{
		config:                  config,
		transport:               tr,
		rlog:                    logger.ForComponent(rlog, "provisioning"),
		onConnectionStateChange: b.OnConnectionStateChange,
		events:                  make(chan event, eventQueueSize),
	}
	c.coordinator = connection.New(tr, creds, connection.WithLogger(rlog))
	c.correlator = request.New(c.coordinator, request.WithLogger(rlog))
	c.coordinator.SetStateChangeHandler(c.connectionStateChanged)

	var payload json.RawMessage
	if len(config.Payload) > 0 {
		payload = json.RawMessage(config.Payload)
	}
	c.machine = &machine{
		registrationID:  config.RegistrationID,
		payload:         payload,
		responseTimeout: config.ResponseTimeout,
		pollingInterval: config.PollingInterval,
		coordinator:     c.coordinator,
		correlator:      c.correlator,
		rlog:            c.rlog,
		post:            c.post,
		call:            c.callWithPanicEnvelope,
		onStateChange:   func(s State) { c.state.Store(int32(s)) },
		onUpdate:        b.OnRegistrationUpdate,
		state:           StateDisconnected,
	}

	tr.SetHandler(&transportHandler{client: c})
	go c.loop()
	return c, nil
}

// MustNew is New which panics on error
func MustNew(b *Builder) *Client {
	c, err := New(b)
	if err != nil {
		panic(err)
	}
	return c
}

// State returns the current registration state
func (c *Client) State() State {
	return State(c.state.Load())
}

// Register starts a registration. callback is called exactly once with either the result or
// an error. If a registration is already active, callback receives ErrRegistrationInProgress.
func (c *Client) Register(callback func(*RegistrationResult, error)) {
	if callback == nil {
		callback = func(*RegistrationResult, error) {}
	}
	if !c.post(registerEvent{callback: callback}) {
		callback(nil, ErrClosed)
	}
}

// Cancel cancels an active registration. callback is called exactly once after the
// transport is disconnected. Without an active registration callback is called right away.
func (c *Client) Cancel(callback func()) {
	if !c.post(cancelEvent{callback: callback}) && callback != nil {
		callback()
	}
}

// RegisterSync registers and waits for the result. If ctx is done first, the registration
// is cancelled and ctx's error is returned.
func (c *Client) RegisterSync(ctx context.Context) (*RegistrationResult, error) {
	type outcome struct {
		result *RegistrationResult
		err    error
	}
	ch := make(chan outcome, 1)
	c.Register(func(result *RegistrationResult, err error) {
		ch <- outcome{result, err}
	})
	select {
	case o := <-ch:
		return o.result, o.err
	case <-ctx.Done():
		c.Cancel(nil)
		return nil, ctx.Err()
	}
}

// CancelSync cancels an active registration and waits until the transport is disconnected
func (c *Client) CancelSync(ctx context.Context) error {
	done := make(chan struct{})
	c.Cancel(func() { close(done) })
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RotateCredential reconnects a connected transport with a freshly signed credential
func (c *Client) RotateCredential() {
	c.post(rotateEvent{})
}

// Close cancels an active registration, disconnects the transport and stops the event loop.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		done := make(chan struct{})
		if !c.post(closeEvent{done: done}) {
			return
		}
		select {
		case <-done:
		case <-time.After(closeTimeout):
			c.rlog.Warnln("timeout while closing")
		}
	})
}

// post hands ev to the event loop. It never blocks, so callbacks running on the loop can
// post as well. It returns false if the loop has stopped.
func (c *Client) post(ev event) bool {
	c.postMutex.RLock()
	defer c.postMutex.RUnlock()
	if c.loopDone {
		return false
	}
	c.backlogMutex.Lock()
	defer c.backlogMutex.Unlock()
	if len(c.backlog) == 0 {
		select {
		case c.events <- ev:
			return true
		default:
		}
	}
	c.backlog = append(c.backlog, ev)
	return true
}

// takeBacklog returns the backlog once the events queued before it are handled
func (c *Client) takeBacklog(all bool) []event {
	c.backlogMutex.Lock()
	defer c.backlogMutex.Unlock()
	if len(c.backlog) == 0 || (!all && len(c.events) > 0) {
		return nil
	}
	backlog := c.backlog
	c.backlog = nil
	return backlog
}

func (c *Client) loop() {
	for ev := range c.events {
		c.handle(ev)
		for _, ev := range c.takeBacklog(false) {
			c.handle(ev)
		}
		if c.stopped {
			break
		}
	}
	c.postMutex.Lock()
	c.loopDone = true
	c.postMutex.Unlock()

	// answer whatever got queued while shutting down
	for {
		select {
		case ev := <-c.events:
			c.reject(ev)
		default:
			for _, ev := range c.takeBacklog(true) {
				c.reject(ev)
			}
			return
		}
	}
}

// handle dispatches ev, or rejects it once the loop is stopping
func (c *Client) handle(ev event) {
	if c.stopped {
		c.reject(ev)
		return
	}
	c.dispatch(ev)
}

// dispatch handles a single event
func (c *Client) dispatch(ev event) {
	switch e := ev.(type) {
	case registerEvent:
		if c.closing {
			c.reject(e)
			return
		}
		c.machine.register(e.callback)
	case cancelEvent:
		c.machine.cancel(e.callback)
	case connectedEvent:
		c.coordinator.HandleConnected()
	case disconnectedEvent:
		c.coordinator.HandleDisconnected(e.err)
	case ackEvent:
		c.coordinator.HandleAck(e.id, e.err)
	case messageEvent:
		c.coordinator.HandleMessage(e.topic, e.payload)
	case timerEvent:
		c.machine.handleTimer(e)
	case rotateEvent:
		c.coordinator.CredentialRotated()
	case closeEvent:
		c.closing = true
		c.rlog.Debugln("closing")
		c.machine.shutdown(func() {
			c.stopped = true
			close(e.done)
		})
	default:
		c.rlog.Errorf("unknown event %T", ev)
	}
}

// reject completes the callbacks of events which arrive after Close
func (c *Client) reject(ev event) {
	switch e := ev.(type) {
	case registerEvent:
		c.callWithPanicEnvelope("register", func() { e.callback(nil, ErrClosed) })
	case cancelEvent:
		c.callWithPanicEnvelope("cancel", e.callback)
	case closeEvent:
		close(e.done)
	}
}

func (c *Client) connectionStateChanged(old, new connection.State) {
	if c.onConnectionStateChange != nil {
		c.callWithPanicEnvelope("connection state", func() { c.onConnectionStateChange(old, new) })
	}
}

// callWithPanicEnvelope runs caller code. A panic is logged and does not affect the client.
func (c *Client) callWithPanicEnvelope(name string, f func()) {
	if f == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.rlog.Errorf("recovered from panic in %s callback: %v", name, r)
		}
	}()
	f()
}

// transportHandler turns transport notifications into events
type transportHandler struct {
	client *Client
}

func (h *transportHandler) OnConnected() {
	h.client.post(connectedEvent{})
}

func (h *transportHandler) OnDisconnected(err error) {
	h.client.post(disconnectedEvent{err: err})
}

func (h *transportHandler) OnAck(id uint16, err error) {
	h.client.post(ackEvent{id: id, err: err})
}

func (h *transportHandler) OnMessage(topic string, payload []byte) {
	h.client.post(messageEvent{topic: topic, payload: payload})
}
