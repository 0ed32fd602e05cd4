package provisioning

// event is an input of the client's event loop. Every input, from callers, the transport
// or timers, is funneled through the loop so that no two handlers run concurrently.
type event interface {
	isEvent()
}

type registerEvent struct {
	callback func(*RegistrationResult, error)
}

type cancelEvent struct {
	callback func()
}

type connectedEvent struct{}

type disconnectedEvent struct {
	err error
}

type ackEvent struct {
	id  uint16
	err error
}

type messageEvent struct {
	topic   string
	payload []byte
}

type timerKind int

const (
	responseTimer timerKind = iota
	pollingTimer
)

func (k timerKind) String() string {
	if k == responseTimer {
		return "response"
	}
	return "polling"
}

type timerEvent struct {
	kind       timerKind
	generation uint64
}

type rotateEvent struct{}

type closeEvent struct {
	done chan struct{}
}

func (registerEvent) isEvent()     {}
func (cancelEvent) isEvent()       {}
func (connectedEvent) isEvent()    {}
func (disconnectedEvent) isEvent() {}
func (ackEvent) isEvent()          {}
func (messageEvent) isEvent()      {}
func (timerEvent) isEvent()        {}
func (rotateEvent) isEvent()       {}
func (closeEvent) isEvent()        {}
