/*Package credentials implements the symmetric key credentials of a device registration

A device authenticates with the provisioning service by presenting a shared access signature
(SAS token) as MQTT password. The token is signed with the device's symmetric key:

	resource:  {id_scope}/registrations/{registration_id}
	signature: base64(HMAC-SHA256(key, url_encode(resource) + "\n" + expiry))
	token:     SharedAccessSignature sr={resource}&sig={signature}&se={expiry}&skn=registration

The signer never caches tokens. Each call to Token() or Password() signs again with a new
expiry, so a token handed to a (re)connect is always valid for the full time-to-live.

For group enrollments the device key is derived from the group key with DeriveDeviceKey.
*/
package credentials
