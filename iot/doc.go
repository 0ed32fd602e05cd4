// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package iot provides the shared contracts of the device provisioning client

It defines the Transport interface, which is the only view the provisioning engine has
of the publish/subscribe network client, and the error taxonomy used by all packages:

	ErrConfiguration  bad credentials or settings
	ErrProtocol       unexpected status code, malformed body
	ErrTimeout        no response within the timeout window
	ErrTransport      connect, publish or subscribe failure
	ErrCancelled      operation aborted by the caller

The engine itself is split into the sub packages credentials (the SAS token signer), topic
(the wire grammar), connection (the action queue coordinator), request (the request/response
correlator) and provisioning (the registration state machine and public client). The package
transport contains the MQTT implementation of Transport, and mqtt contains a broker which
emulates the provisioning service for local testing.
*/
package iot
