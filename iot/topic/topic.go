// Package topic implements the MQTT topic grammar of the device provisioning service.
//
//	subscribe: $dps/registrations/res/#
//	register:  $dps/registrations/PUT/iotdps-register/?$rid={rid}
//	query:     $dps/registrations/GET/iotdps-get-operationstatus/?$rid={rid}&operationId={operation_id}
//	response:  $dps/registrations/res/{status_code}/?$rid={rid}[&retry-after={seconds}]
package topic

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/relabs-tech/dps/iot"
)

const (
	base = "$dps/registrations/"

	// SubscribeFilter is the filter which receives all responses of the service
	SubscribeFilter = base + "res/#"

	responsePrefix = base + "res/"
	registerPrefix = base + "PUT/iotdps-register/?$rid="
	queryPrefix    = base + "GET/iotdps-get-operationstatus/?$rid="

	// PropertyRequestID is the response property holding the request id
	PropertyRequestID = "rid"
	// PropertyRetryAfter is the response property holding the server's backoff hint in seconds
	PropertyRetryAfter = "retry-after"

	statusCodeField = 3
)

// Register returns the topic of a registration request
func Register(requestID string) string {
	return registerPrefix + requestID
}

// Query returns the topic of an operation status query
func Query(requestID, operationID string) string {
	return queryPrefix + requestID + "&operationId=" + operationID
}

// IsResponse returns true if topic is a response of the provisioning service
func IsResponse(topic string) bool {
	return strings.HasPrefix(topic, responsePrefix)
}

// IsQuery returns true if topic is an operation status query
func IsQuery(topic string) bool {
	return strings.Contains(topic, "GET/iotdps-get-operationstatus")
}

// IsRegister returns true if topic is a registration request
func IsRegister(topic string) bool {
	return strings.Contains(topic, "PUT/iotdps-register")
}

// ParseResponse extracts the status code and the key/value properties from a response topic.
// Properties are url-decoded and may have multiple values per key.
func ParseResponse(topic string) (int, url.Values, error) {
	if !IsResponse(topic) {
		return 0, nil, fmt.Errorf("%w: not a response topic: %s", iot.ErrProtocol, topic)
	}
	parts := strings.Split(topic, "$")
	if len(parts) < 3 {
		return 0, nil, fmt.Errorf("%w: response topic without properties: %s", iot.ErrProtocol, topic)
	}
	fields := strings.Split(parts[1], "/")
	if len(fields) <= statusCodeField {
		return 0, nil, fmt.Errorf("%w: response topic without status code: %s", iot.ErrProtocol, topic)
	}
	statusCode, err := strconv.Atoi(fields[statusCodeField])
	if err != nil {
		return 0, nil, fmt.Errorf("%w: invalid status code in topic %s", iot.ErrProtocol, topic)
	}
	properties, err := url.ParseQuery(parts[2])
	if err != nil {
		return 0, nil, fmt.Errorf("%w: invalid properties in topic %s: %s", iot.ErrProtocol, topic, err)
	}
	return statusCode, properties, nil
}

// Response builds a response topic. It is the counterpart of ParseResponse and is used
// by the service emulator.
func Response(statusCode int, requestID string, retryAfter time.Duration) string {
	t := responsePrefix + strconv.Itoa(statusCode) + "/?$rid=" + requestID
	if retryAfter > 0 {
		t += "&" + PropertyRetryAfter + "=" + strconv.Itoa(int(retryAfter/time.Second))
	}
	return t
}

// ParseRequest extracts request id and, for queries, the operation id from a request topic.
func ParseRequest(topic string) (requestID, operationID string, err error) {
	var raw string
	switch {
	case strings.HasPrefix(topic, registerPrefix):
		raw = strings.TrimPrefix(topic, registerPrefix)
	case strings.HasPrefix(topic, queryPrefix):
		raw = strings.TrimPrefix(topic, queryPrefix)
	default:
		return "", "", fmt.Errorf("%w: not a request topic: %s", iot.ErrProtocol, topic)
	}
	properties, err := url.ParseQuery("rid=" + raw)
	if err != nil {
		return "", "", fmt.Errorf("%w: invalid request topic %s: %s", iot.ErrProtocol, topic, err)
	}
	requestID = properties.Get(PropertyRequestID)
	if len(requestID) == 0 {
		return "", "", fmt.Errorf("%w: request topic without rid: %s", iot.ErrProtocol, topic)
	}
	return requestID, properties.Get("operationId"), nil
}

// RetryAfter returns the server's backoff hint from response properties. The second return
// value is false if the hint is absent or not a positive number of seconds.
func RetryAfter(properties url.Values) (time.Duration, bool) {
	v := properties.Get(PropertyRetryAfter)
	if len(v) == 0 {
		return 0, false
	}
	seconds, err := strconv.Atoi(v)
	if err != nil || seconds <= 0 {
		return 0, false
	}
	return time.Duration(seconds) * time.Second, true
}
