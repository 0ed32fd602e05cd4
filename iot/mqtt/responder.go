package mqtt

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/relabs-tech/dps/iot/credentials"
	"github.com/relabs-tech/dps/iot/provisioning"
	"github.com/relabs-tech/dps/iot/topic"
)

// ErrNotAuthorized is returned by Authenticate for rejected connects
var ErrNotAuthorized = errors.New("not authorized")

// Enrollment is a device the emulator accepts
type Enrollment struct {
	// RegistrationID is the registration id and MQTT client id of the device. This is mandatory.
	RegistrationID string `json:"registration_id"`
	// SymmetricKey is the device key. Either SymmetricKey or GroupKey is mandatory.
	SymmetricKey string `json:"symmetric_key,omitempty"`
	// GroupKey is the key of an enrollment group, the device key is derived from it.
	GroupKey string `json:"group_key,omitempty"`
	// DeviceID is the assigned device id. The default is the registration id.
	DeviceID string `json:"device_id,omitempty"`
	// AssignedHub overrides ResponderConfig.AssignedHub for this device.
	AssignedHub string `json:"assigned_hub,omitempty"`
}

func (e *Enrollment) deviceKey() (string, error) {
	if len(e.SymmetricKey) > 0 {
		return e.SymmetricKey, nil
	}
	return credentials.DeriveDeviceKey(e.GroupKey, e.RegistrationID)
}

// ResponderConfig controls how the emulator answers requests
type ResponderConfig struct {
	// IDScope is the id scope of the emulated service instance. This is mandatory.
	IDScope string
	// AssignedHub is the hub devices get assigned to.
	AssignedHub string
	// PollsUntilAssigned is the number of status queries answered with "assigning". With 0
	// the registration request is answered with "assigned" right away.
	PollsUntilAssigned int
	// Throttle is the number of requests answered with 429 before any other answer.
	Throttle int
	// RetryAfter is sent along with 429 answers. Zero omits the property.
	RetryAfter time.Duration
	// Now replaces the wall clock, for tests.
	Now func() time.Time
}

// Reply is the response to a request, to be published to the requesting device
type Reply struct {
	StatusCode int
	Topic      string
	Payload    []byte
}

type operation struct {
	id             string
	registrationID string
	payload        json.RawMessage
	created        time.Time
	polls          int
}

// Responder implements the request handling of the device provisioning service. It is
// independent of MQTT and safe for concurrent use.
type Responder struct {
	config ResponderConfig

	mu          sync.Mutex
	store       EnrollmentStore
	enrollments map[string]Enrollment
	operations  map[string]*operation
	throttled   int
}

// NewResponder returns a responder without enrollments
func NewResponder(config ResponderConfig) *Responder {
	if config.Now == nil {
		config.Now = time.Now
	}
	if len(config.AssignedHub) == 0 {
		config.AssignedHub = "hub.localhost"
	}
	return &Responder{
		config:      config,
		enrollments: make(map[string]Enrollment),
		operations:  make(map[string]*operation),
	}
}

// UseStore loads all enrollments of store and persists every later change to it.
func (r *Responder) UseStore(store EnrollmentStore) error {
	enrollments, err := store.Load()
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range enrollments {
		r.enrollments[e.RegistrationID] = e
	}
	r.store = store
	return nil
}

// Enroll adds or replaces an enrollment
func (r *Responder) Enroll(e Enrollment) error {
	if len(e.RegistrationID) == 0 {
		return errors.New("enrollment without registration id")
	}
	if _, err := e.deviceKey(); err != nil {
		return fmt.Errorf("enrollment %s: %w", e.RegistrationID, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.store != nil {
		if err := r.store.Save(e); err != nil {
			return fmt.Errorf("cannot persist enrollment %s: %w", e.RegistrationID, err)
		}
	}
	r.enrollments[e.RegistrationID] = e
	return nil
}

// Revoke removes an enrollment. Pending operations of the device are dropped as well.
// It returns false if the device was not enrolled.
func (r *Responder) Revoke(registrationID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.enrollments[registrationID]; !ok {
		return false, nil
	}
	if r.store != nil {
		if err := r.store.Delete(registrationID); err != nil {
			return false, fmt.Errorf("cannot delete enrollment %s: %w", registrationID, err)
		}
	}
	delete(r.enrollments, registrationID)
	for id, op := range r.operations {
		if op.registrationID == registrationID {
			delete(r.operations, id)
		}
	}
	return true, nil
}

// Enrollments returns all enrollments ordered by registration id
func (r *Responder) Enrollments() []Enrollment {
	r.mu.Lock()
	defer r.mu.Unlock()
	enrollments := make([]Enrollment, 0, len(r.enrollments))
	for _, e := range r.enrollments {
		enrollments = append(enrollments, e)
	}
	sort.Slice(enrollments, func(i, j int) bool {
		return enrollments[i].RegistrationID < enrollments[j].RegistrationID
	})
	return enrollments
}

func (r *Responder) enrollment(registrationID string) (Enrollment, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.enrollments[registrationID]
	return e, ok
}

// Authenticate checks the MQTT connect of a device: the client id must be enrolled, the
// username must address this scope and registration, and the password must be a valid shared
// access signature for the registration.
func (r *Responder) Authenticate(clientID, username, password string) error {
	e, ok := r.enrollment(clientID)
	if !ok {
		return fmt.Errorf("%w: %s is not enrolled", ErrNotAuthorized, clientID)
	}
	resourceURI := r.config.IDScope + "/registrations/" + clientID
	if !strings.HasPrefix(username, resourceURI+"/") {
		return fmt.Errorf("%w: unexpected username %q", ErrNotAuthorized, username)
	}
	token, err := credentials.ParseToken(password)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotAuthorized, err)
	}
	if token.ResourceURI != resourceURI {
		return fmt.Errorf("%w: token for %q", ErrNotAuthorized, token.ResourceURI)
	}
	key, err := e.deviceKey()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotAuthorized, err)
	}
	if err := token.Verify(key, r.config.Now()); err != nil {
		return fmt.Errorf("%w: %w", ErrNotAuthorized, err)
	}
	return nil
}

// Handle answers the request a device published on requestTopic. clientID is the
// authenticated registration id of the device. Messages which are not requests return an
// error and no reply.
func (r *Responder) Handle(clientID, requestTopic string, payload []byte) (*Reply, error) {
	requestID, operationID, err := topic.ParseRequest(requestTopic)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.throttled < r.config.Throttle {
		r.throttled++
		return r.reply(429, requestID, r.config.RetryAfter, r.errorBody(429001, "too many requests")), nil
	}

	if topic.IsRegister(requestTopic) {
		return r.register(clientID, requestID, payload), nil
	}
	return r.query(clientID, requestID, operationID), nil
}

func (r *Responder) register(clientID, requestID string, payload []byte) *Reply {
	var request struct {
		RegistrationID string          `json:"registrationId"`
		Payload        json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(payload, &request); err != nil {
		return r.reply(400, requestID, 0, r.errorBody(400004, "invalid request body"))
	}
	if request.RegistrationID != clientID {
		return r.reply(400, requestID, 0, r.errorBody(400004, "registration id does not match the connection"))
	}
	if _, ok := r.enrollments[clientID]; !ok {
		return r.reply(401, requestID, 0, r.errorBody(401002, "device is not enrolled"))
	}

	op := &operation{
		id:             "4." + strings.ReplaceAll(uuid.NewString(), "-", ""),
		registrationID: clientID,
		payload:        request.Payload,
		created:        r.config.Now().UTC(),
	}
	if r.config.PollsUntilAssigned <= 0 {
		return r.assigned(requestID, op)
	}
	r.operations[op.id] = op
	return r.reply(202, requestID, 0, r.status(op, provisioning.StatusAssigning, nil))
}

func (r *Responder) query(clientID, requestID, operationID string) *Reply {
	op, ok := r.operations[operationID]
	if !ok || op.registrationID != clientID {
		return r.reply(404, requestID, 0, r.errorBody(404002, "operation not found"))
	}
	op.polls++
	if op.polls < r.config.PollsUntilAssigned {
		return r.reply(202, requestID, 0, r.status(op, provisioning.StatusAssigning, nil))
	}
	delete(r.operations, op.id)
	return r.assigned(requestID, op)
}

func (r *Responder) assigned(requestID string, op *operation) *Reply {
	e := r.enrollments[op.registrationID]
	deviceID := e.DeviceID
	if len(deviceID) == 0 {
		deviceID = e.RegistrationID
	}
	hub := e.AssignedHub
	if len(hub) == 0 {
		hub = r.config.AssignedHub
	}
	now := r.config.Now().UTC()
	state := &provisioning.RegistrationState{
		RegistrationID:         op.registrationID,
		DeviceID:               deviceID,
		AssignedHub:            hub,
		Status:                 provisioning.StatusAssigned,
		SubStatus:              "initialAssignment",
		CreatedDateTimeUTC:     op.created.Format(time.RFC3339),
		LastUpdatedDateTimeUTC: now.Format(time.RFC3339),
		ETag:                   base64.StdEncoding.EncodeToString([]byte(strconv.Quote(op.id))),
		Payload:                op.payload,
	}
	return r.reply(200, requestID, 0, r.status(op, provisioning.StatusAssigned, state))
}

func (r *Responder) status(op *operation, status provisioning.Status, state *provisioning.RegistrationState) []byte {
	body, _ := json.Marshal(&struct {
		OperationID       string                          `json:"operationId"`
		Status            provisioning.Status             `json:"status"`
		RegistrationState *provisioning.RegistrationState `json:"registrationState,omitempty"`
	}{op.id, status, state})
	return body
}

func (r *Responder) reply(statusCode int, requestID string, retryAfter time.Duration, body []byte) *Reply {
	return &Reply{
		StatusCode: statusCode,
		Topic:      topic.Response(statusCode, requestID, retryAfter),
		Payload:    body,
	}
}

func (r *Responder) errorBody(code int, message string) []byte {
	body, _ := json.Marshal(&struct {
		ErrorCode  int    `json:"errorCode"`
		TrackingID string `json:"trackingId"`
		Message    string `json:"message"`
		Timestamp  string `json:"timestampUtc"`
	}{code, uuid.NewString(), message, r.config.Now().UTC().Format(time.RFC3339)})
	return body
}
