// Package transport connects the provisioning client to an MQTT broker with the Eclipse
// Paho client.
package transport

import (
	"crypto/tls"
	"fmt"
	"strconv"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/relabs-tech/dps/core/logger"
	"github.com/relabs-tech/dps/iot"
	"github.com/sirupsen/logrus"
)

const (
	defaultConnectTimeout = 30 * time.Second
	disconnectQuiesce     = 250 // milliseconds
	subscribeFailure      = 0x80
)

// ErrNotConnected is returned by Publish, Subscribe and Unsubscribe without a connection
var ErrNotConnected = fmt.Errorf("%w: mqtt client is not connected", iot.ErrTransport)

// Builder is a builder helper for the MQTT transport
type Builder struct {
	// Host is the broker host name. This is mandatory.
	Host string
	// Port is the broker port. This is mandatory.
	Port int
	// ClientID is the MQTT client id. This is mandatory.
	ClientID string
	// Username is the MQTT user name. This is optional.
	Username string
	// TLSConfig overrides the default TLS configuration. This is optional.
	TLSConfig *tls.Config
	// Insecure connects with plain TCP. This is optional.
	Insecure bool
	// ConnectTimeout limits connection attempts, the default is 30s. This is optional.
	ConnectTimeout time.Duration
	// Logger is the logger of the transport. This is optional.
	Logger *logrus.Entry
}

// MQTT implements iot.Transport on top of a Paho MQTT client. Every connect creates a new
// Paho client, so that a reconnect can present a new password.
//
// Message ids handed out by MQTT are its own and not the MQTT packet ids, Paho does not
// expose those.
type MQTT struct {
	broker         string
	clientID       string
	username       string
	tlsConfig      *tls.Config
	insecure       bool
	connectTimeout time.Duration
	rlog           *logrus.Entry

	mu         sync.Mutex
	handler    iot.TransportHandler
	client     mqtt.Client
	generation int
	nextID     uint16
}

var _ iot.Transport = (*MQTT)(nil)

// New creates a new, not yet connected, MQTT transport
func New(b *Builder) (*MQTT, error) {
	if len(b.Host) == 0 {
		return nil, fmt.Errorf("%w: mqtt host is missing", iot.ErrConfiguration)
	}
	if b.Port <= 0 || b.Port > 65535 {
		return nil, fmt.Errorf("%w: invalid mqtt port %d", iot.ErrConfiguration, b.Port)
	}
	if len(b.ClientID) == 0 {
		return nil, fmt.Errorf("%w: mqtt client id is missing", iot.ErrConfiguration)
	}

	t := &MQTT{
		broker:         brokerURL(b.Host, b.Port, b.Insecure),
		clientID:       b.ClientID,
		username:       b.Username,
		tlsConfig:      b.TLSConfig,
		insecure:       b.Insecure,
		connectTimeout: b.ConnectTimeout,
		rlog:           logger.ForComponent(b.Logger, "mqtt"),
	}
	if t.tlsConfig == nil && !t.insecure {
		t.tlsConfig = &tls.Config{ServerName: b.Host, MinVersion: tls.VersionTLS12}
	}
	if t.connectTimeout <= 0 {
		t.connectTimeout = defaultConnectTimeout
	}
	return t, nil
}

func brokerURL(host string, port int, insecure bool) string {
	scheme := "ssl"
	if insecure {
		scheme = "tcp"
	}
	return scheme + "://" + host + ":" + strconv.Itoa(port)
}

// SetHandler implements iot.Transport
func (t *MQTT) SetHandler(h iot.TransportHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// Connect implements iot.Transport. It returns immediately, the outcome is reported to the
// handler. Every connection starts a clean session without subscriptions.
func (t *MQTT) Connect(password string) error {
	t.mu.Lock()
	t.generation++
	generation := t.generation
	old := t.client

	opts := mqtt.NewClientOptions().
		AddBroker(t.broker).
		SetClientID(t.clientID).
		SetUsername(t.username).
		SetPassword(password).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetProtocolVersion(4).
		SetConnectTimeout(t.connectTimeout).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			if h := t.current(generation); h != nil {
				t.rlog.WithError(err).Warnln("connection lost")
				h.OnDisconnected(fmt.Errorf("%w: %w", iot.ErrTransport, err))
			}
		}).
		SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
			t.deliver(generation, msg)
		})
	if !t.insecure {
		opts.SetTLSConfig(t.tlsConfig)
	}
	client := mqtt.NewClient(opts)
	t.client = client
	t.mu.Unlock()

	if old != nil && old.IsConnected() {
		go old.Disconnect(disconnectQuiesce)
	}

	t.rlog.Debugf("connecting to %s", t.broker)
	token := client.Connect()
	go func() {
		token.Wait()
		h := t.current(generation)
		if h == nil {
			// superseded by a disconnect or reconnect while connecting
			if token.Error() == nil {
				client.Disconnect(0)
			}
			return
		}
		if err := token.Error(); err != nil {
			h.OnDisconnected(fmt.Errorf("%w: %w", iot.ErrTransport, err))
			return
		}
		h.OnConnected()
	}()
	return nil
}

// Reconnect implements iot.Transport. Acknowledgements still outstanding on the old
// connection are reported as failed.
func (t *MQTT) Reconnect(password string) error {
	return t.Connect(password)
}

// Disconnect implements iot.Transport. The handler's OnDisconnected is called once the
// client is disconnected.
func (t *MQTT) Disconnect() error {
	t.mu.Lock()
	t.generation++
	client := t.client
	t.client = nil
	h := t.handler
	t.mu.Unlock()

	go func() {
		if client != nil && client.IsConnected() {
			client.Disconnect(disconnectQuiesce)
		}
		if h != nil {
			h.OnDisconnected(nil)
		}
	}()
	return nil
}

// Publish implements iot.Transport. Messages are published with QoS 1.
func (t *MQTT) Publish(topic string, payload []byte) (uint16, error) {
	client, id, err := t.prepare()
	if err != nil {
		return 0, err
	}
	t.track(id, client.Publish(topic, 1, false, payload), nil)
	return id, nil
}

// Subscribe implements iot.Transport
func (t *MQTT) Subscribe(topic string, qos byte) (uint16, error) {
	client, id, err := t.prepare()
	if err != nil {
		return 0, err
	}
	generation := t.currentGeneration()
	token := client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		t.deliver(generation, msg)
	})
	t.track(id, token, func() error {
		st, ok := token.(*mqtt.SubscribeToken)
		if !ok {
			return nil
		}
		if granted, ok := st.Result()[topic]; ok && granted == subscribeFailure {
			return fmt.Errorf("subscription to %s refused", topic)
		}
		return nil
	})
	return id, nil
}

// Unsubscribe implements iot.Transport
func (t *MQTT) Unsubscribe(topic string) (uint16, error) {
	client, id, err := t.prepare()
	if err != nil {
		return 0, err
	}
	t.track(id, client.Unsubscribe(topic), nil)
	return id, nil
}

// prepare returns the connected client and a fresh message id
func (t *MQTT) prepare() (mqtt.Client, uint16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil || !t.client.IsConnectionOpen() {
		return nil, 0, ErrNotConnected
	}
	t.nextID++
	if t.nextID == 0 {
		t.nextID++
	}
	return t.client, t.nextID, nil
}

// track reports the completion of token to the handler
func (t *MQTT) track(id uint16, token mqtt.Token, check func() error) {
	go func() {
		token.Wait()
		err := token.Error()
		if err == nil && check != nil {
			err = check()
		}
		if err != nil {
			err = fmt.Errorf("%w: %w", iot.ErrTransport, err)
		}
		t.mu.Lock()
		h := t.handler
		t.mu.Unlock()
		if h != nil {
			h.OnAck(id, err)
		}
	}()
}

func (t *MQTT) deliver(generation int, msg mqtt.Message) {
	if h := t.current(generation); h != nil {
		h.OnMessage(msg.Topic(), msg.Payload())
	}
}

// current returns the handler if generation is still the current connection
func (t *MQTT) current(generation int) iot.TransportHandler {
	t.mu.Lock()
	defer t.mu.Unlock()
	if generation != t.generation {
		return nil
	}
	return t.handler
}

func (t *MQTT) currentGeneration() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.generation
}
