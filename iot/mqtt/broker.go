package mqtt

import (
	"context"
	"crypto/tls"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/DrmagicE/gmqtt"
	"github.com/DrmagicE/gmqtt/pkg/packets"
	"github.com/relabs-tech/dps/core/logger"
	"github.com/relabs-tech/dps/iot/topic"
	"github.com/sirupsen/logrus"
)

// Broker is an MQTT broker emulating the device provisioning service.
type Broker struct {
	p      *plugin
	server runner
}

// runner is the part of the server returned by gmqtt.NewServer which the broker drives
type runner interface {
	Run()
	Stop(ctx context.Context) error
}

// Builder is a builder helper for the Broker
type Builder struct {
	// Responder answers the requests of devices. This is mandatory.
	Responder *Responder
	// Address is the listen address. The default is ":8883".
	Address string
	// CertFile is the file path to the X.509 certificate file. Without CertFile and KeyFile
	// the broker listens with plain TCP.
	CertFile string
	// KeyFile is the file path to the X.509 private key file.
	KeyFile string
	// Logger is the logger of the broker. This is optional.
	Logger *logrus.Entry
}

// plugin is the plugin for GMQTT
type plugin struct {
	ln        net.Listener
	responder *Responder
	service   gmqtt.Server
	rlog      *logrus.Entry
}

// NewBroker returns a new broker which is already listening. The broker will not
// accept connections until you call Start() or Run()
func NewBroker(bb *Builder) *Broker {
	if bb.Responder == nil {
		panic("responder is missing")
	}
	if (len(bb.CertFile) == 0) != (len(bb.KeyFile) == 0) {
		panic("cert file and key file must be given together")
	}
	address := bb.Address
	if len(address) == 0 {
		address = ":8883"
	}

	var ln net.Listener
	var err error
	if len(bb.CertFile) > 0 {
		var crt tls.Certificate
		crt, err = tls.LoadX509KeyPair(bb.CertFile, bb.KeyFile)
		if err != nil {
			panic(err)
		}
		ln, err = tls.Listen("tcp", address, &tls.Config{
			Certificates: []tls.Certificate{crt},
			MinVersion:   tls.VersionTLS12,
		})
	} else {
		ln, err = net.Listen("tcp", address)
	}
	if err != nil {
		panic(err)
	}

	return &Broker{
		p: &plugin{
			ln:        ln,
			responder: bb.Responder,
			rlog:      logger.ForComponent(bb.Logger, "dps-emulator"),
		},
	}
}

// Addr returns the listen address
func (b *Broker) Addr() net.Addr {
	return b.p.ln.Addr()
}

// Start runs the server in the background
func (b *Broker) Start() {
	b.server = gmqtt.NewServer(
		gmqtt.WithTCPListener(b.p.ln),
		gmqtt.WithPlugin(b.p),
	)
	b.server.Run()
	b.p.rlog.Infof("listening on %s", b.Addr())
}

// Stop stops a started server
func (b *Broker) Stop(ctx context.Context) error {
	if b.server == nil {
		return nil
	}
	err := b.server.Stop(ctx)
	b.p.rlog.Infoln("stopped")
	return err
}

// Run is blocking and runs the server. It listens on syscall.SIGTERM and
// a gracefully shutdown.
func (b *Broker) Run() {
	b.Start()
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	<-signalCh
	if err := b.Stop(context.Background()); err != nil {
		b.p.rlog.WithError(err).Errorln("stop")
	}
}

// PublishMessageQ1 publishes an MQTT messsage with quality level 1
func (b *Broker) PublishMessageQ1(topic string, payload []byte) {
	b.p.publishQ1(topic, payload)
}

func (p *plugin) publishQ1(topic string, payload []byte) {
	p.rlog.Debugf("publish on %s (%d bytes)", topic, len(payload))
	msg := gmqtt.NewMessage(topic, payload, packets.QOS_1)
	p.service.PublishService().Publish(msg)
}

// Load implements plugin interface
func (p *plugin) Load(service gmqtt.Server) error {
	p.service = service
	return nil
}

// Unload implements plugin interface
func (p *plugin) Unload() error {
	return nil
}

// Name implements plugin interface
func (p *plugin) Name() string { return "dps emulator" }

// HookWrapper implements plugin interface
func (p *plugin) HookWrapper() gmqtt.HookWrapper {
	return gmqtt.HookWrapper{
		OnConnectWrapper:    p.OnConnectWrapper,
		OnSubscribeWrapper:  p.OnSubscribeWrapper,
		OnMsgArrivedWrapper: p.OnMsgArrivedWrapper,
	}
}

// OnConnectWrapper authenticates devices with their shared access signature
func (p *plugin) OnConnectWrapper(connect gmqtt.OnConnect) gmqtt.OnConnect {
	return func(ctx context.Context, client gmqtt.Client) (code uint8) {
		options := client.OptionsReader()
		rlog := p.rlog.WithField("registrationID", options.ClientID())
		if err := p.responder.Authenticate(options.ClientID(), options.Username(), options.Password()); err != nil {
			rlog.WithError(err).Warnln("connect denied")
			return packets.CodeNotAuthorized
		}
		rlog.Debugln("connect")
		return connect(ctx, client)
	}
}

// OnSubscribeWrapper only permits the response topics
func (p *plugin) OnSubscribeWrapper(subscribe gmqtt.OnSubscribe) gmqtt.OnSubscribe {
	return func(ctx context.Context, client gmqtt.Client, t packets.Topic) (qos uint8) {
		if t.Name != topic.SubscribeFilter {
			p.rlog.Warnln("subscribe", client.OptionsReader().ClientID(), t.Name, "denied")
			return packets.SUBSCRIBE_FAILURE
		}
		return subscribe(ctx, client, t)
	}
}

// OnMsgArrivedWrapper answers requests. Requests are consumed and never routed to other
// clients.
//
// Responses are published like any other message, so every device subscribed to the
// response topics receives them. Devices ignore responses with foreign request ids.
func (p *plugin) OnMsgArrivedWrapper(arrived gmqtt.OnMsgArrived) gmqtt.OnMsgArrived {
	return func(ctx context.Context, client gmqtt.Client, msg packets.Message) (valid bool) {
		clientID := client.OptionsReader().ClientID()
		reply, err := p.responder.Handle(clientID, msg.Topic(), msg.Payload())
		if err != nil {
			p.rlog.WithError(err).Warnln("drop message from", clientID)
			return false
		}
		p.rlog.WithField("registrationID", clientID).Debugf("%s -> %d", msg.Topic(), reply.StatusCode)
		p.publishQ1(reply.Topic, reply.Payload)
		return false
	}
}
