package iot

// Transport is a publish/subscribe network client with asynchronous acknowledgements.
//
// Connect, Reconnect and Disconnect return immediately; their completion is reported through
// the TransportHandler. Publish, Subscribe and Unsubscribe return a transport-assigned message
// id which is later reported to TransportHandler.OnAck. Implementations may invoke the handler
// from any goroutine, including synchronously from within the call that triggered it.
type Transport interface {
	SetHandler(h TransportHandler)
	Connect(password string) error
	Reconnect(password string) error
	Disconnect() error
	Publish(topic string, payload []byte) (uint16, error)
	Subscribe(topic string, qos byte) (uint16, error)
	Unsubscribe(topic string) (uint16, error)
}

// TransportHandler receives the events of a Transport.
type TransportHandler interface {
	// OnConnected is called when a connect or reconnect completed.
	OnConnected()
	// OnDisconnected is called when the connection is gone. err is nil for a requested
	// disconnect and non-nil for a failed connect or a lost connection.
	OnDisconnected(err error)
	// OnAck is called when the publish, subscribe or unsubscribe with message id completed.
	OnAck(id uint16, err error)
	// OnMessage is called for every application message received.
	OnMessage(topic string, payload []byte)
}
