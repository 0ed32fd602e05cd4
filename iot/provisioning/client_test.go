package provisioning_test

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/relabs-tech/dps/iot"
	"github.com/relabs-tech/dps/iot/connection"
	"github.com/relabs-tech/dps/iot/provisioning"
	"github.com/relabs-tech/dps/iot/topic"
	"github.com/relabs-tech/dps/iot/transport/transporttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const assignedBody = `{
	"operationId": "OP1",
	"status": "assigned",
	"registrationState": {
		"registrationId": "dev-1",
		"deviceId": "dev-1",
		"assignedHub": "hub-7.example.net",
		"status": "assigned",
		"substatus": "initialAssignment",
		"createdDateTimeUtc": "2026-10-15T10:00:00Z",
		"lastUpdatedDateTimeUtc": "2026-10-15T10:00:02Z",
		"etag": "IjAwMDAi"
	}
}`

const assigningBody = `{"operationId":"OP1","status":"assigning"}`

type staticPassword string

func (p staticPassword) Password() string { return string(p) }

type reply struct {
	status     int
	retryAfter time.Duration
	body       string
	delay      time.Duration
}

type receivedRequest struct {
	topic       string
	requestID   string
	operationID string
	body        string
	at          time.Time
}

// service answers published requests with scripted replies. Requests beyond the script
// are never answered.
type service struct {
	tr       *transporttest.Transport
	mu       sync.Mutex
	script   []reply
	requests []receivedRequest
}

func (s *service) onPublish(t string, payload []byte) {
	rid, op, err := topic.ParseRequest(t)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.requests = append(s.requests, receivedRequest{
		topic: t, requestID: rid, operationID: op, body: string(payload), at: time.Now(),
	})
	if len(s.script) == 0 {
		s.mu.Unlock()
		return
	}
	r := s.script[0]
	s.script = s.script[1:]
	s.mu.Unlock()

	deliver := func() {
		// a session without the response subscription never sees the reply
		if !s.tr.Subscribed(topic.SubscribeFilter) {
			return
		}
		s.tr.Handler().OnMessage(topic.Response(r.status, rid, r.retryAfter), []byte(r.body))
	}
	if r.delay > 0 {
		time.AfterFunc(r.delay, deliver)
	} else {
		deliver()
	}
}

func (s *service) received() []receivedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]receivedRequest(nil), s.requests...)
}

func testConfig() *provisioning.Config {
	return &provisioning.Config{
		IDScope:         "0ne00000001",
		RegistrationID:  "dev-1",
		ResponseTimeout: 2 * time.Second,
		PollingInterval: 20 * time.Millisecond,
	}
}

func newTestClient(t *testing.T, config *provisioning.Config, script ...reply) (*provisioning.Client, *service, *transporttest.Transport) {
	t.Helper()
	tr := transporttest.New()
	tr.AutoConnect = true
	tr.AutoAck = true
	s := &service{tr: tr, script: script}
	tr.OnPublish = s.onPublish

	c, err := provisioning.New(&provisioning.Builder{
		Config:      config,
		Transport:   tr,
		Credentials: staticPassword("SharedAccessSignature sr=x"),
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, s, tr
}

func registerSync(t *testing.T, c *provisioning.Client) (*provisioning.RegistrationResult, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.RegisterSync(ctx)
}

func TestRegisterAssignedAfterPolling(t *testing.T) {
	c, s, tr := newTestClient(t, testConfig(),
		reply{status: 202, body: assigningBody},
		reply{status: 200, body: assignedBody},
	)

	type outcome struct {
		result      *provisioning.RegistrationResult
		err         error
		disconnects int
	}
	ch := make(chan outcome, 2)
	c.Register(func(result *provisioning.RegistrationResult, err error) {
		ch <- outcome{result, err, tr.Count(transporttest.KindDisconnect)}
	})

	var o outcome
	select {
	case o = <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("no callback")
	}
	require.NoError(t, o.err)
	require.NotNil(t, o.result.RegistrationState)
	assert.Equal(t, "dev-1", o.result.RegistrationState.DeviceID)
	assert.Equal(t, "hub-7.example.net", o.result.RegistrationState.AssignedHub)
	assert.Equal(t, provisioning.StatusAssigned, o.result.Status)
	assert.Equal(t, "OP1", o.result.OperationID)
	// disconnected before the callback
	assert.Equal(t, 1, o.disconnects)
	assert.Equal(t, provisioning.StateCompleted, c.State())

	requests := s.received()
	require.Len(t, requests, 2)
	assert.Equal(t, topic.Register(requests[0].requestID), requests[0].topic)
	assert.JSONEq(t, `{"registrationId":"dev-1"}`, requests[0].body)
	assert.Equal(t, "OP1", requests[1].operationID)
	assert.Equal(t, topic.Query(requests[1].requestID, "OP1"), requests[1].topic)
	assert.NotEqual(t, requests[0].requestID, requests[1].requestID)

	kinds := tr.Kinds()
	assert.Equal(t, transporttest.KindConnect, kinds[0])
	assert.Equal(t, transporttest.KindSubscribe, kinds[1])
	assert.Equal(t, topic.SubscribeFilter, tr.CallsOf(transporttest.KindSubscribe)[0].Topic)
	assert.Equal(t, []string{transporttest.KindUnsubscribe, transporttest.KindDisconnect}, kinds[len(kinds)-2:])

	select {
	case <-ch:
		t.Fatal("register callback called twice")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestThrottledRegistrationUsesPollingInterval(t *testing.T) {
	config := testConfig()
	config.PollingInterval = 100 * time.Millisecond
	c, s, _ := newTestClient(t, config,
		reply{status: 429},
		reply{status: 200, body: assignedBody},
	)

	result, err := registerSync(t, c)
	require.NoError(t, err)
	assert.Equal(t, "dev-1", result.RegistrationState.DeviceID)

	requests := s.received()
	require.Len(t, requests, 2)
	// without an operation id the registration request is resent with a new request id
	assert.Empty(t, requests[1].operationID)
	assert.Equal(t, topic.Register(requests[1].requestID), requests[1].topic)
	assert.NotEqual(t, requests[0].requestID, requests[1].requestID)
	assert.GreaterOrEqual(t, requests[1].at.Sub(requests[0].at), 100*time.Millisecond)
}

func TestThrottledQueryKeepsOperation(t *testing.T) {
	c, s, _ := newTestClient(t, testConfig(),
		reply{status: 202, body: assigningBody},
		reply{status: 429, body: `{"errorCode":429001,"message":"throttled"}`},
		reply{status: 200, body: assignedBody},
	)

	_, err := registerSync(t, c)
	require.NoError(t, err)

	requests := s.received()
	require.Len(t, requests, 3)
	assert.Equal(t, "OP1", requests[1].operationID)
	assert.Equal(t, "OP1", requests[2].operationID)
}

func TestFailedStatusCompletesWithResult(t *testing.T) {
	c, _, _ := newTestClient(t, testConfig(),
		reply{status: 200, body: `{"operationId":"OP1","status":"failed","registrationState":{"status":"failed","errorCode":400209,"errorMessage":"custom allocation failed"}}`},
	)

	result, err := registerSync(t, c)
	require.NoError(t, err)
	assert.Equal(t, provisioning.StatusFailed, result.Status)
	assert.Equal(t, 400209, result.RegistrationState.ErrorCode)
	assert.Equal(t, provisioning.StateCompleted, c.State())
}

func TestRejectedRequests(t *testing.T) {
	for _, status := range []int{100, 302, 401, 404, 428} {
		t.Run(strconv.Itoa(status), func(t *testing.T) {
			c, _, _ := newTestClient(t, testConfig(),
				reply{status: status, body: `{"errorCode":401002,"message":"unauthorized"}`})

			result, err := registerSync(t, c)
			assert.Nil(t, result)
			assert.ErrorIs(t, err, iot.ErrProtocol)
			var rerr *iot.ResponseError
			require.ErrorAs(t, err, &rerr)
			assert.Equal(t, status, rerr.StatusCode)
			assert.Contains(t, string(rerr.Body), "unauthorized")
			assert.Equal(t, provisioning.StateError, c.State())
		})
	}
}

func TestUnexpectedStatus(t *testing.T) {
	c, _, _ := newTestClient(t, testConfig(),
		reply{status: 200, body: `{"operationId":"OP1","status":"disabled"}`})

	_, err := registerSync(t, c)
	var rerr *iot.ResponseError
	require.ErrorAs(t, err, &rerr)
	assert.Contains(t, rerr.Reason, "unexpected status")
	assert.JSONEq(t, `{"operationId":"OP1","status":"disabled"}`, string(rerr.Body))
}

func TestMalformedBodies(t *testing.T) {
	for _, body := range []string{
		`not json`,
		`{"status":"assigned"}`,
		`{"operationId":"OP1","status":"assigned","registrationState":{"deviceId":7}}`,
	} {
		t.Run(body, func(t *testing.T) {
			c, _, _ := newTestClient(t, testConfig(), reply{status: 200, body: body})
			_, err := registerSync(t, c)
			assert.ErrorIs(t, err, iot.ErrProtocol)
		})
	}
}

func TestResponseTimeout(t *testing.T) {
	config := testConfig()
	config.ResponseTimeout = 50 * time.Millisecond
	c, _, tr := newTestClient(t, config)

	calls := make(chan error, 2)
	c.Register(func(_ *provisioning.RegistrationResult, err error) { calls <- err })

	select {
	case err := <-calls:
		assert.ErrorIs(t, err, iot.ErrTimeout)
	case <-time.After(5 * time.Second):
		t.Fatal("no timeout")
	}
	assert.Equal(t, provisioning.StateError, c.State())
	assert.Equal(t, 1, tr.Count(transporttest.KindDisconnect))

	select {
	case <-calls:
		t.Fatal("register callback called twice")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTimeoutRacingResponseYieldsOneCallback(t *testing.T) {
	for i := 0; i < 20; i++ {
		config := testConfig()
		config.ResponseTimeout = 5 * time.Millisecond
		c, _, _ := newTestClient(t, config,
			reply{status: 200, body: assignedBody, delay: 5 * time.Millisecond})

		var mu sync.Mutex
		count := 0
		done := make(chan struct{})
		c.Register(func(result *provisioning.RegistrationResult, err error) {
			mu.Lock()
			defer mu.Unlock()
			count++
			if count == 1 {
				close(done)
			}
			if err != nil {
				assert.ErrorIs(t, err, iot.ErrTimeout)
			} else {
				assert.Equal(t, "dev-1", result.RegistrationState.DeviceID)
			}
		})
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("no callback")
		}
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		assert.Equal(t, 1, count)
		mu.Unlock()
	}
}

func TestRegisterAgainAfterCompletion(t *testing.T) {
	c, s, tr := newTestClient(t, testConfig(),
		reply{status: 200, body: assignedBody},
		reply{status: 401},
		reply{status: 200, body: assignedBody},
	)

	_, err := registerSync(t, c)
	require.NoError(t, err)
	_, err = registerSync(t, c)
	require.Error(t, err)
	assert.Equal(t, provisioning.StateError, c.State())
	_, err = registerSync(t, c)
	require.NoError(t, err)

	requests := s.received()
	require.Len(t, requests, 3)
	for _, r := range requests {
		assert.Empty(t, r.operationID)
	}
	assert.NotEqual(t, requests[0].requestID, requests[1].requestID)
	assert.NotEqual(t, requests[1].requestID, requests[2].requestID)
	assert.Equal(t, 3, tr.Count(transporttest.KindConnect))
	assert.Equal(t, 3, tr.Count(transporttest.KindSubscribe))
}

func TestRegisterWhileActive(t *testing.T) {
	c, _, _ := newTestClient(t, testConfig())

	first := make(chan error, 1)
	c.Register(func(_ *provisioning.RegistrationResult, err error) { first <- err })

	_, err := registerSync(t, c)
	assert.ErrorIs(t, err, provisioning.ErrRegistrationInProgress)

	require.NoError(t, c.CancelSync(context.Background()))
	assert.ErrorIs(t, <-first, iot.ErrCancelled)
}

func TestCancelWhilePolling(t *testing.T) {
	config := testConfig()
	config.ResponseTimeout = 300 * time.Millisecond
	c, s, tr := newTestClient(t, config, reply{status: 202, body: assigningBody})

	registered := make(chan error, 2)
	c.Register(func(_ *provisioning.RegistrationResult, err error) { registered <- err })

	require.Eventually(t, func() bool { return c.State() == provisioning.StatePolling },
		5*time.Second, 5*time.Millisecond)

	cancelled := make(chan int, 2)
	c.Cancel(func() { cancelled <- tr.Count(transporttest.KindDisconnect) })

	select {
	case disconnects := <-cancelled:
		assert.Equal(t, 1, disconnects)
	case <-time.After(5 * time.Second):
		t.Fatal("no cancel callback")
	}
	assert.ErrorIs(t, <-registered, iot.ErrCancelled)
	assert.Equal(t, provisioning.StateDisconnected, c.State())
	assert.Equal(t, 1, tr.Count(transporttest.KindUnsubscribe))

	// neither timer fires after the cancel
	time.Sleep(2 * config.ResponseTimeout)
	assert.Empty(t, registered)
	assert.Empty(t, cancelled)
	assert.Len(t, s.received(), 2)
	assert.Equal(t, provisioning.StateDisconnected, c.State())
}

func TestCancelWithNothingActive(t *testing.T) {
	c, _, tr := newTestClient(t, testConfig())

	require.NoError(t, c.CancelSync(context.Background()))
	assert.Empty(t, tr.Calls())
	assert.Equal(t, provisioning.StateDisconnected, c.State())
}

func TestCancelWhileCancelling(t *testing.T) {
	c, _, tr := newTestClient(t, testConfig())
	tr.AutoConnect = false

	c.Register(nil)
	require.Eventually(t, func() bool { return tr.Count(transporttest.KindConnect) == 1 },
		5*time.Second, time.Millisecond)

	var wg sync.WaitGroup
	wg.Add(2)
	c.Cancel(wg.Done)
	c.Cancel(wg.Done)
	require.Eventually(t, func() bool { return tr.Count(transporttest.KindDisconnect) == 1 },
		5*time.Second, time.Millisecond)
	assert.Equal(t, provisioning.StateCancelling, c.State())

	tr.Handler().OnDisconnected(nil)
	wg.Wait()
	assert.Equal(t, provisioning.StateDisconnected, c.State())
}

func TestConnectFailure(t *testing.T) {
	c, _, tr := newTestClient(t, testConfig())
	tr.FailNext(transporttest.KindConnect, errors.New("connection refused"))

	_, err := registerSync(t, c)
	assert.ErrorIs(t, err, iot.ErrTransport)
	assert.Equal(t, provisioning.StateError, c.State())
}

func TestCallbackPanicsAreContained(t *testing.T) {
	c, _, _ := newTestClient(t, testConfig(),
		reply{status: 200, body: assignedBody},
		reply{status: 200, body: assignedBody},
	)

	c.Register(func(*provisioning.RegistrationResult, error) { panic("boom") })
	require.Eventually(t, func() bool { return c.State() == provisioning.StateCompleted },
		5*time.Second, time.Millisecond)

	result, err := registerSync(t, c)
	require.NoError(t, err)
	assert.Equal(t, "dev-1", result.RegistrationState.DeviceID)
}

func TestHooks(t *testing.T) {
	tr := transporttest.New()
	tr.AutoConnect = true
	tr.AutoAck = true
	s := &service{tr: tr, script: []reply{
		{status: 202, body: assigningBody},
		{status: 200, body: assignedBody},
	}}
	tr.OnPublish = s.onPublish

	var mu sync.Mutex
	var updates []provisioning.Status
	var transitions []connection.State
	c, err := provisioning.New(&provisioning.Builder{
		Config:      testConfig(),
		Transport:   tr,
		Credentials: staticPassword("x"),
		OnRegistrationUpdate: func(r provisioning.RegistrationResult) {
			mu.Lock()
			defer mu.Unlock()
			updates = append(updates, r.Status)
		},
		OnConnectionStateChange: func(_, new connection.State) {
			mu.Lock()
			defer mu.Unlock()
			transitions = append(transitions, new)
		},
	})
	require.NoError(t, err)
	defer c.Close()

	_, err = registerSync(t, c)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []provisioning.Status{provisioning.StatusAssigning, provisioning.StatusAssigned}, updates)
	assert.Equal(t, []connection.State{
		connection.StateConnecting,
		connection.StateConnected,
		connection.StateDisconnecting,
		connection.StateDisconnected,
	}, transitions)
}

func TestCustomPayloadIsSent(t *testing.T) {
	config := testConfig()
	config.Payload = `{"modelId":"dtmi:example:thermostat;1"}`
	c, s, _ := newTestClient(t, config, reply{status: 200, body: assignedBody})

	_, err := registerSync(t, c)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"registrationId":"dev-1","payload":{"modelId":"dtmi:example:thermostat;1"}}`,
		s.received()[0].body)
}

func TestRotateCredential(t *testing.T) {
	tr := transporttest.New()
	tr.AutoConnect = true
	tr.AutoAck = true
	s := &service{tr: tr, script: []reply{
		{status: 202, body: assigningBody},
		{status: 202, body: assigningBody},
		{status: 200, body: assignedBody},
	}}
	tr.OnPublish = s.onPublish

	var (
		c       *provisioning.Client
		rotated bool
	)
	c, err := provisioning.New(&provisioning.Builder{
		Config:      testConfig(),
		Transport:   tr,
		Credentials: staticPassword("SharedAccessSignature sr=x"),
		OnRegistrationUpdate: func(r provisioning.RegistrationResult) {
			// rotate once, while the client waits to poll
			if r.Status == provisioning.StatusAssigning && !rotated {
				rotated = true
				c.RotateCredential()
			}
		},
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)

	result, err := registerSync(t, c)
	require.NoError(t, err)
	assert.Equal(t, provisioning.StatusAssigned, result.Status)
	assert.Equal(t, "hub-7.example.net", result.RegistrationState.AssignedHub)

	assert.Equal(t, 1, tr.Count(transporttest.KindConnect))
	assert.Equal(t, 1, tr.Count(transporttest.KindReconnect))
	// the response subscription is made again on the new session
	subs := tr.CallsOf(transporttest.KindSubscribe)
	require.Len(t, subs, 2)
	for _, sub := range subs {
		assert.Equal(t, topic.SubscribeFilter, sub.Topic)
	}
	assert.Len(t, s.received(), 3)
}

func TestConnectionLostWhileWaitingToPoll(t *testing.T) {
	tr := transporttest.New()
	tr.AutoConnect = true
	tr.AutoAck = true
	s := &service{tr: tr, script: []reply{
		{status: 202, body: assigningBody},
		{status: 200, body: assignedBody},
	}}
	tr.OnPublish = s.onPublish

	c, err := provisioning.New(&provisioning.Builder{
		Config:      testConfig(),
		Transport:   tr,
		Credentials: staticPassword("SharedAccessSignature sr=x"),
		OnRegistrationUpdate: func(r provisioning.RegistrationResult) {
			if r.Status == provisioning.StatusAssigning {
				tr.Handler().OnDisconnected(errors.New("EOF"))
			}
		},
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)

	result, err := registerSync(t, c)
	require.NoError(t, err)
	assert.Equal(t, provisioning.StatusAssigned, result.Status)
	assert.Equal(t, 2, tr.Count(transporttest.KindConnect))
	assert.Equal(t, 2, tr.Count(transporttest.KindSubscribe))
	requests := s.received()
	require.Len(t, requests, 2)
	assert.Equal(t, "OP1", requests[1].operationID)
}

func TestCallbacksCanFloodTheEventLoop(t *testing.T) {
	tr := transporttest.New()
	tr.AutoConnect = true
	tr.AutoAck = true
	s := &service{tr: tr, script: []reply{
		{status: 202, body: assigningBody},
		{status: 200, body: assignedBody},
	}}
	tr.OnPublish = s.onPublish

	// more than the event queue holds
	const n = 500
	var (
		c          *provisioning.Client
		inProgress atomic.Int32
	)
	c, err := provisioning.New(&provisioning.Builder{
		Config:      testConfig(),
		Transport:   tr,
		Credentials: staticPassword("SharedAccessSignature sr=x"),
		OnRegistrationUpdate: func(r provisioning.RegistrationResult) {
			if r.Status != provisioning.StatusAssigning {
				return
			}
			for i := 0; i < n; i++ {
				c.Register(func(_ *provisioning.RegistrationResult, err error) {
					if errors.Is(err, provisioning.ErrRegistrationInProgress) {
						inProgress.Add(1)
					}
				})
			}
		},
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)

	result, err := registerSync(t, c)
	require.NoError(t, err)
	assert.Equal(t, provisioning.StatusAssigned, result.Status)
	assert.Equal(t, int32(n), inProgress.Load())
}

func TestClose(t *testing.T) {
	c, _, tr := newTestClient(t, testConfig())

	registered := make(chan error, 1)
	c.Register(func(_ *provisioning.RegistrationResult, err error) { registered <- err })
	require.Eventually(t, func() bool { return c.State() == provisioning.StateRegistering },
		5*time.Second, time.Millisecond)

	c.Close()
	assert.ErrorIs(t, <-registered, iot.ErrCancelled)
	assert.Equal(t, 1, tr.Count(transporttest.KindDisconnect))

	_, err := registerSync(t, c)
	assert.ErrorIs(t, err, provisioning.ErrClosed)

	// a second close is harmless
	c.Close()
}
