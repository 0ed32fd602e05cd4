package provisioning

import (
	"embed"
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	"github.com/relabs-tech/dps/core/schema"
	"github.com/relabs-tech/dps/iot"
)

// Status is the status of a registration operation as reported by the service
type Status string

// all known registration statuses
const (
	StatusUnassigned Status = "unassigned"
	StatusAssigning  Status = "assigning"
	StatusAssigned   Status = "assigned"
	StatusFailed     Status = "failed"
	StatusDisabled   Status = "disabled"
)

// RegistrationState describes the outcome of a registration
type RegistrationState struct {
	RegistrationID         string `json:"registrationId,omitempty"`
	DeviceID               string `json:"deviceId"`
	AssignedHub            string `json:"assignedHub"`
	Status                 Status `json:"status,omitempty"`
	SubStatus              string `json:"substatus"`
	CreatedDateTimeUTC     string `json:"createdDateTimeUtc"`
	LastUpdatedDateTimeUTC string `json:"lastUpdatedDateTimeUtc"`
	ETag                   string `json:"etag"`
	ErrorCode              int    `json:"errorCode,omitempty"`
	ErrorMessage           string `json:"errorMessage,omitempty"`
	// Payload is the optional document returned by a custom allocation policy
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RegistrationResult is delivered for every decoded response, and as the final result of a
// completed registration.
type RegistrationResult struct {
	RequestID         string
	OperationID       string
	Status            Status
	RegistrationState *RegistrationState
}

type operationResponse struct {
	OperationID       string             `json:"operationId"`
	Status            Status             `json:"status"`
	RegistrationState *RegistrationState `json:"registrationState,omitempty"`
}

type registerRequest struct {
	RegistrationID string          `json:"registrationId"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// queryBody is the payload of an operation status query. The service ignores it.
var queryBody = []byte(" ")

const operationSchemaID = "https://relabs.tech/dps/operation.json"

//go:embed schemas
var schemaFS embed.FS

var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

func operationValidator() (*schema.Validator, error) {
	validatorOnce.Do(func() {
		validator, validatorErr = schema.NewValidatorFromFS(schemaFS, "schemas")
	})
	return validator, validatorErr
}

// decodeOperation validates and decodes the body of a 2xx response
func decodeOperation(body []byte) (*operationResponse, error) {
	v, err := operationValidator()
	if err != nil {
		return nil, fmt.Errorf("cannot load response schema: %w", err)
	}
	if err := v.ValidateBytes(body, operationSchemaID); err != nil {
		return nil, fmt.Errorf("%w: malformed response body: %w", iot.ErrProtocol, err)
	}
	op := &operationResponse{}
	if err := json.Unmarshal(body, op); err != nil {
		return nil, fmt.Errorf("%w: cannot decode response body: %w", iot.ErrProtocol, err)
	}
	return op, nil
}

func encodeRegisterRequest(registrationID string, payload json.RawMessage) ([]byte, error) {
	return json.Marshal(&registerRequest{RegistrationID: registrationID, Payload: payload})
}
