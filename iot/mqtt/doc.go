/*
Package mqtt provides an MQTT broker which emulates the device provisioning service

The emulator is meant for development and for end-to-end tests of devices. It accepts
connects of enrolled devices only. The username must address the emulated scope and
registration, the password must be a shared access signature signed with the device key:

	{id_scope}/registrations/{registration_id}/api-version=...

Devices subscribe to

	$dps/registrations/res/#

and publish registration requests and operation status queries to

	$dps/registrations/PUT/iotdps-register/?$rid={rid}
	$dps/registrations/GET/iotdps-get-operationstatus/?$rid={rid}&operationId={operation_id}

Throttling and Polling

The Responder answers the first ResponderConfig.Throttle requests with status 429 and
registration requests with status 202 "assigning". After ResponderConfig.PollsUntilAssigned
status queries the device is assigned to its hub. A payload sent with the registration request
is returned in the registration state.

Limitations

Responses are published to the response topic without addressing a specific connection, so
every connected device receives all responses. This is harmless for devices which correlate
responses by request id, but the emulator is not suitable for untrusted clients.
*/
package mqtt
