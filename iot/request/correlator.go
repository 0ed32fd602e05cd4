// Package request correlates asynchronous responses of the provisioning service with the
// requests that caused them. Requests carry a request id in their topic, the service echoes
// it as the rid property of the response topic.
package request

import (
	"fmt"
	"net/url"
	"time"

	"github.com/relabs-tech/dps/core/logger"
	"github.com/relabs-tech/dps/iot"
	"github.com/relabs-tech/dps/iot/connection"
	"github.com/relabs-tech/dps/iot/topic"
	"github.com/sirupsen/logrus"
)

// Response is a response of the provisioning service
type Response struct {
	RequestID  string
	StatusCode int
	Properties url.Values
	Body       []byte
	// RetryAfter is the server's backoff hint, zero if absent
	RetryAfter time.Duration
}

// ResponseFunc receives either the response to a request or the error which prevented it
type ResponseFunc func(response *Response, err error)

// Correlator keeps a table of outstanding requests. Like the connection coordinator it is
// not safe for concurrent use.
type Correlator struct {
	coordinator *connection.Coordinator
	pending     map[string]ResponseFunc
	rlog        *logrus.Entry
}

// Option configures a Correlator
type Option func(*Correlator)

// WithLogger sets the logger of the correlator
func WithLogger(rlog *logrus.Entry) Option {
	return func(r *Correlator) {
		if rlog != nil {
			r.rlog = rlog
		}
	}
}

// New returns a correlator which sends its requests through coordinator. It installs itself
// as the coordinator's message handler.
func New(coordinator *connection.Coordinator, options ...Option) *Correlator {
	r := &Correlator{
		coordinator: coordinator,
		pending:     make(map[string]ResponseFunc),
		rlog:        logger.Default(),
	}
	for _, o := range options {
		o(r)
	}
	r.rlog = logger.ForComponent(r.rlog, "request")
	coordinator.SetMessageHandler(r.handleMessage)
	return r
}

// Pending returns the number of requests waiting for a response
func (r *Correlator) Pending() int {
	return len(r.pending)
}

// EnableResponses subscribes to the response topics
func (r *Correlator) EnableResponses(done func(error)) {
	r.coordinator.Submit(connection.Subscribe{Topic: topic.SubscribeFilter, QoS: 1, Done: done})
}

// DisableResponses unsubscribes from the response topics
func (r *Correlator) DisableResponses(done func(error)) {
	r.coordinator.Submit(r.UnsubscribeAction(done))
}

// UnsubscribeAction returns the action which unsubscribes from the response topics, for use
// as a disconnect pre-action.
func (r *Correlator) UnsubscribeAction(done func(error)) connection.Action {
	return connection.Unsubscribe{Topic: topic.SubscribeFilter, Done: done}
}

// SendRequest publishes body as a registration request, or as an operation status query
// if operationID is not empty. onResponse is called exactly once, either with the response
// or with the error which made the publish fail.
func (r *Correlator) SendRequest(requestID string, body []byte, operationID string, onResponse ResponseFunc) error {
	if len(requestID) == 0 {
		return fmt.Errorf("%w: empty request id", iot.ErrProtocol)
	}
	if onResponse == nil {
		return fmt.Errorf("%w: request %s without response handler", iot.ErrProtocol, requestID)
	}
	if _, ok := r.pending[requestID]; ok {
		return fmt.Errorf("%w: duplicate request id %s", iot.ErrProtocol, requestID)
	}

	t := topic.Register(requestID)
	if len(operationID) > 0 {
		t = topic.Query(requestID, operationID)
	}
	r.pending[requestID] = onResponse
	logger.WithRequestID(r.rlog, requestID).Debugf("sending request to %s", t)

	r.coordinator.Submit(connection.Publish{
		Topic:   t,
		Payload: body,
		Done: func(err error) {
			if err == nil {
				return
			}
			if cb, ok := r.pending[requestID]; ok {
				delete(r.pending, requestID)
				logger.WithRequestID(r.rlog, requestID).WithError(err).Warnln("request could not be sent")
				cb(nil, err)
			}
		},
	})
	return nil
}

// FailAll completes all outstanding requests with err
func (r *Correlator) FailAll(err error) {
	pending := r.pending
	r.pending = make(map[string]ResponseFunc)
	for _, cb := range pending {
		cb(nil, err)
	}
}

func (r *Correlator) handleMessage(t string, payload []byte) {
	if !topic.IsResponse(t) {
		r.rlog.Debugf("ignoring message on %s", t)
		return
	}
	statusCode, properties, err := topic.ParseResponse(t)
	if err != nil {
		r.rlog.WithError(err).Warnln("dropping response")
		return
	}
	requestID := properties.Get(topic.PropertyRequestID)
	if len(requestID) == 0 {
		r.rlog.Warnf("dropping response without request id on %s", t)
		return
	}
	rlog := logger.WithRequestID(r.rlog, requestID)
	cb, ok := r.pending[requestID]
	if !ok {
		rlog.Debugln("dropping response to unknown request")
		return
	}
	delete(r.pending, requestID)

	retryAfter, _ := topic.RetryAfter(properties)
	rlog.Debugf("response with status %d", statusCode)
	cb(&Response{
		RequestID:  requestID,
		StatusCode: statusCode,
		Properties: properties,
		Body:       payload,
		RetryAfter: retryAfter,
	}, nil)
}
