package topic_test

import (
	"errors"
	"testing"
	"time"

	"github.com/relabs-tech/dps/iot"
	"github.com/relabs-tech/dps/iot/topic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestTopics(t *testing.T) {
	assert.Equal(t, "$dps/registrations/res/#", topic.SubscribeFilter)
	assert.Equal(t, "$dps/registrations/PUT/iotdps-register/?$rid=r1", topic.Register("r1"))
	assert.Equal(t,
		"$dps/registrations/GET/iotdps-get-operationstatus/?$rid=r2&operationId=OP1",
		topic.Query("r2", "OP1"))

	assert.True(t, topic.IsRegister(topic.Register("r1")))
	assert.True(t, topic.IsQuery(topic.Query("r2", "OP1")))
	assert.False(t, topic.IsQuery(topic.Register("r1")))
}

func TestParseRequest(t *testing.T) {
	rid, op, err := topic.ParseRequest(topic.Register("r1"))
	require.NoError(t, err)
	assert.Equal(t, "r1", rid)
	assert.Equal(t, "", op)

	rid, op, err = topic.ParseRequest(topic.Query("r2", "4.550cb20c3349a409.390d2957"))
	require.NoError(t, err)
	assert.Equal(t, "r2", rid)
	assert.Equal(t, "4.550cb20c3349a409.390d2957", op)

	_, _, err = topic.ParseRequest("devices/foo/messages")
	assert.True(t, errors.Is(err, iot.ErrProtocol))
}

func TestParseResponse(t *testing.T) {
	status, props, err := topic.ParseResponse(
		"$dps/registrations/res/202/?$rid=28c32371-608c-4390-8da7-c712353c1c3b&retry-after=3")
	require.NoError(t, err)
	assert.Equal(t, 202, status)
	assert.Equal(t, []string{"28c32371-608c-4390-8da7-c712353c1c3b"}, props[topic.PropertyRequestID])
	retry, ok := topic.RetryAfter(props)
	assert.True(t, ok)
	assert.Equal(t, 3*time.Second, retry)

	status, props, err = topic.ParseResponse("$dps/registrations/res/429/?$rid=abc&x=1&x=2&y=a%20b")
	require.NoError(t, err)
	assert.Equal(t, 429, status)
	assert.Equal(t, []string{"1", "2"}, props["x"])
	assert.Equal(t, "a b", props.Get("y"))
	_, ok = topic.RetryAfter(props)
	assert.False(t, ok)
}

func TestParseResponseErrors(t *testing.T) {
	testCases := []string{
		"$dps/registrations/PUT/iotdps-register/?$rid=1",
		"$dps/registrations/res/",
		"$dps/registrations/res/abc/?$rid=1",
		"$dps/registrations/res/200/?$rid=%zz",
	}
	for _, tc := range testCases {
		t.Run(tc, func(t *testing.T) {
			_, _, err := topic.ParseResponse(tc)
			assert.True(t, errors.Is(err, iot.ErrProtocol), "got %v", err)
		})
	}
}

func TestResponseRoundTrip(t *testing.T) {
	status, props, err := topic.ParseResponse(topic.Response(429, "rid-9", 5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 429, status)
	assert.Equal(t, "rid-9", props.Get(topic.PropertyRequestID))
	retry, ok := topic.RetryAfter(props)
	assert.True(t, ok)
	assert.Equal(t, 5*time.Second, retry)

	assert.Equal(t, "$dps/registrations/res/200/?$rid=rid-9", topic.Response(200, "rid-9", 0))
}
