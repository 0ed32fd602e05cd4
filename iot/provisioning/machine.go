package provisioning

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/relabs-tech/dps/core/logger"
	"github.com/relabs-tech/dps/iot"
	"github.com/relabs-tech/dps/iot/connection"
	"github.com/relabs-tech/dps/iot/request"
	"github.com/sirupsen/logrus"
)

// session is the state of the current request/response exchange
type session struct {
	requestID   string
	operationID string
	status      Status
	retryAfter  time.Duration
}

type timer struct {
	t          *time.Timer
	generation uint64
}

func (t *timer) stop() {
	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
	t.generation = 0
}

// machine is the registration state machine. It runs on the client's event loop only.
type machine struct {
	registrationID  string
	payload         json.RawMessage
	responseTimeout time.Duration
	pollingInterval time.Duration

	coordinator *connection.Coordinator
	correlator  *request.Correlator
	rlog        *logrus.Entry

	// post feeds timer expirations back into the event loop
	post func(event) bool
	// call invokes caller code inside the panic envelope
	call func(name string, f func())

	onStateChange func(State)
	onUpdate      func(RegistrationResult)

	state            State
	epoch            uint64
	session          session
	registerCallback func(*RegistrationResult, error)
	cancelCallbacks  []func()

	generation uint64
	timers     [2]timer
}

func (m *machine) setState(state State) {
	if state == m.state {
		return
	}
	m.rlog.Debugf("registration %s -> %s", m.state, state)
	m.state = state
	if m.onStateChange != nil {
		m.onStateChange(state)
	}
}

func (m *machine) startTimer(kind timerKind, d time.Duration) {
	t := &m.timers[kind]
	t.stop()
	m.generation++
	generation := m.generation
	t.generation = generation
	t.t = time.AfterFunc(d, func() {
		m.post(timerEvent{kind: kind, generation: generation})
	})
}

func (m *machine) stopTimers() {
	m.timers[responseTimer].stop()
	m.timers[pollingTimer].stop()
}

func (m *machine) register(callback func(*RegistrationResult, error)) {
	switch m.state {
	case StateDisconnected, StateCompleted, StateError:
	default:
		m.rlog.Warnf("register while %s", m.state)
		m.call("register", func() { callback(nil, ErrRegistrationInProgress) })
		return
	}

	m.epoch++
	m.session = session{}
	m.registerCallback = callback
	m.setState(StateInitializing)
	m.rlog.Infoln("registration started")

	epoch := m.epoch
	m.correlator.EnableResponses(func(err error) {
		if epoch != m.epoch || m.state != StateInitializing {
			return
		}
		if err != nil {
			m.finish(nil, fmt.Errorf("cannot subscribe to responses: %w", err))
			return
		}
		m.setState(StateRegistering)
		m.sendRegister()
	})
}

func (m *machine) sendRegister() {
	body, err := encodeRegisterRequest(m.registrationID, m.payload)
	if err != nil {
		m.finish(nil, fmt.Errorf("%w: cannot encode registration request: %w", iot.ErrConfiguration, err))
		return
	}
	m.send(body, "")
}

func (m *machine) sendQuery() {
	m.setState(StatePolling)
	m.send(queryBody, m.session.operationID)
}

// send starts a new exchange with a fresh request id
func (m *machine) send(body []byte, operationID string) {
	requestID := uuid.NewString()
	m.session.requestID = requestID
	m.startTimer(responseTimer, m.responseTimeout)

	epoch := m.epoch
	err := m.correlator.SendRequest(requestID, body, operationID, func(response *request.Response, err error) {
		m.handleResponse(epoch, requestID, response, err)
	})
	if err != nil {
		m.finish(nil, err)
	}
}

func (m *machine) handleResponse(epoch uint64, requestID string, response *request.Response, err error) {
	rlog := logger.WithRequestID(m.rlog, requestID)
	if epoch != m.epoch || requestID != m.session.requestID ||
		(m.state != StateRegistering && m.state != StatePolling) {
		rlog.Debugf("ignoring stale response while %s", m.state)
		return
	}
	m.timers[responseTimer].stop()

	if err != nil {
		m.finish(nil, err)
		return
	}

	switch code := response.StatusCode; {
	case code >= 429:
		rlog.Infof("service asks to back off (status %d)", code)
		m.waitToPoll(response.RetryAfter)
	case code >= 300:
		m.finish(nil, &iot.ResponseError{
			StatusCode: code,
			RequestID:  requestID,
			Body:       response.Body,
			Reason:     "request rejected",
		})
	case code >= 200:
		m.handleOperation(requestID, response)
	default:
		m.finish(nil, &iot.ResponseError{
			StatusCode: code,
			RequestID:  requestID,
			Body:       response.Body,
			Reason:     "unexpected status code",
		})
	}
}

func (m *machine) handleOperation(requestID string, response *request.Response) {
	op, err := decodeOperation(response.Body)
	if err != nil {
		m.finish(nil, &iot.ResponseError{
			StatusCode: response.StatusCode,
			RequestID:  requestID,
			Body:       response.Body,
			Reason:     err.Error(),
		})
		return
	}
	m.session.status = op.Status

	result := RegistrationResult{
		RequestID:         requestID,
		OperationID:       op.OperationID,
		Status:            op.Status,
		RegistrationState: op.RegistrationState,
	}
	if m.onUpdate != nil {
		m.call("registration update", func() { m.onUpdate(result) })
	}

	switch op.Status {
	case StatusAssigning:
		m.session.operationID = op.OperationID
		m.waitToPoll(response.RetryAfter)
	case StatusAssigned, StatusFailed:
		m.finish(&result, nil)
	default:
		m.finish(nil, &iot.ResponseError{
			StatusCode: response.StatusCode,
			RequestID:  requestID,
			Body:       response.Body,
			Reason:     fmt.Sprintf("unexpected status %q", op.Status),
		})
	}
}

// waitToPoll waits retryAfter, or the polling interval if the service did not say, before
// the next request
func (m *machine) waitToPoll(retryAfter time.Duration) {
	if retryAfter <= 0 {
		retryAfter = m.pollingInterval
	}
	m.session.retryAfter = retryAfter
	m.setState(StateWaitingToPoll)
	m.startTimer(pollingTimer, retryAfter)
}

func (m *machine) handleTimer(ev timerEvent) {
	t := &m.timers[ev.kind]
	if t.generation == 0 || t.generation != ev.generation {
		m.rlog.Debugf("ignoring stale %s timer", ev.kind)
		return
	}
	t.t = nil
	t.generation = 0

	switch ev.kind {
	case responseTimer:
		if m.state != StateRegistering && m.state != StatePolling {
			return
		}
		m.timers[pollingTimer].stop()
		m.finish(nil, fmt.Errorf("%w: no response to request %s within %s",
			iot.ErrTimeout, m.session.requestID, m.responseTimeout))
	case pollingTimer:
		if m.state != StateWaitingToPoll {
			return
		}
		if len(m.session.operationID) == 0 {
			m.setState(StateRegistering)
			m.sendRegister()
		} else {
			m.sendQuery()
		}
	}
}

// finish ends the registration. The transport is disconnected before the register callback
// sees the outcome.
func (m *machine) finish(result *RegistrationResult, err error) {
	m.stopTimers()
	if err != nil {
		m.rlog.WithError(err).Errorln("registration failed")
		m.setState(StateError)
	} else {
		m.rlog.WithField("deviceID", deviceID(result)).Infof("registration completed with status %s", result.Status)
		m.setState(StateCompleted)
	}
	m.epoch++
	m.correlator.FailAll(iot.ErrCancelled)

	callback := m.registerCallback
	m.registerCallback = nil
	m.coordinator.Disconnect(func() {
		if callback != nil {
			m.call("register", func() { callback(result, err) })
		}
	}, m.correlator.UnsubscribeAction(nil))
}

func (m *machine) cancel(callback func()) {
	switch {
	case m.state == StateCancelling:
		m.cancelCallbacks = append(m.cancelCallbacks, callback)
		return
	case !m.state.active():
		m.rlog.Debugf("nothing to cancel while %s", m.state)
		m.call("cancel", callback)
		return
	}

	m.rlog.Infof("cancelling registration while %s", m.state)
	m.stopTimers()
	m.epoch++
	m.setState(StateCancelling)
	m.cancelCallbacks = append(m.cancelCallbacks, callback)
	m.correlator.FailAll(iot.ErrCancelled)

	registerCallback := m.registerCallback
	m.registerCallback = nil
	if registerCallback != nil {
		m.call("register", func() {
			registerCallback(nil, fmt.Errorf("%w: registration cancelled", iot.ErrCancelled))
		})
	}

	m.coordinator.Disconnect(func() {
		m.setState(StateDisconnected)
		callbacks := m.cancelCallbacks
		m.cancelCallbacks = nil
		for _, cb := range callbacks {
			m.call("cancel", cb)
		}
	}, m.correlator.UnsubscribeAction(nil))
}

// shutdown cancels an active registration and disconnects the transport
func (m *machine) shutdown(done func()) {
	if m.state.active() || m.state == StateCancelling {
		m.cancel(done)
		return
	}
	m.coordinator.Disconnect(done)
}

func deviceID(result *RegistrationResult) string {
	if result == nil || result.RegistrationState == nil {
		return ""
	}
	return result.RegistrationState.DeviceID
}
