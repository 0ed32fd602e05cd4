/*
Package provisioning registers a device with the device provisioning service over MQTT.

A registration subscribes to the response topics, publishes a registration request and then
polls the operation status until the service reports the device as assigned or failed:

	client := provisioning.MustNew(&provisioning.Builder{Config: config})
	defer client.Close()

	result, err := client.RegisterSync(ctx)
	if err != nil {
		// err wraps one of the iot error sentinels
	}
	fmt.Println(result.RegistrationState.AssignedHub, result.RegistrationState.DeviceID)

The service may ask the client to back off with status 429 and an optional retry-after
property. Without the property the client waits Config.PollingInterval. Every request must be
answered within Config.ResponseTimeout, otherwise the registration fails with iot.ErrTimeout.

Each Client runs one event loop goroutine. Transport notifications, timer expirations and API
calls are turned into events and handled one after the other on that goroutine, which is also
where all callbacks are invoked. Once a registration completed or failed, the transport is
disconnected before the register callback is called, so a new registration always starts
from scratch.
*/
package provisioning
