/*
Package security provides the key material handling of the tracker.

It derives device keys from an enrollment group key, signs the shared access
signatures used as transport passwords, seals keys at rest behind a
passphrase and issues the TLS certificate of the local hub emulator.

# Device Key Derivation

A device enrolled through a group never receives its own key. It derives it:

	deviceKey = HMAC-SHA256(groupKey, deviceID)

The derivation is deterministic, so the same group key and device id always
produce the same device key and the device can re-derive it on every start.

# Shared Access Signatures

Both the provisioning service and the hub authenticate MQTT connections with
a shared access signature in the password field:

	SharedAccessSignature sr=<resource>&sig=<signature>&se=<expiry>[&skn=<keyName>]

The signature is base64(HMAC-SHA256(key, urlencode(resource) + "\n" + expiry)).
Resources are built with DeviceResource and RegistrationResource.

	token, err := security.NewSASToken(
		security.DeviceResource("myhub.azure-devices.net", "tracker-01"),
		deviceKey, "", time.Now().Add(security.DefaultTokenTTL))

VerifySASToken performs the reverse check and is used by the local hub
emulator to authenticate devices.

# Sealed Keys

Group keys stored in configuration files can be sealed with a passphrase.
The passphrase is stretched with Argon2id and the key is encrypted with
XChaCha20-Poly1305:

	sealed, _ := security.SealKey(groupKey, passphrase)  // "v1:..."
	groupKey, _ = security.OpenKey(sealed, passphrase)

A wrong passphrase yields ErrSealedKeyInvalid.

# Development Certificates

The hub emulator can serve MQTT over TLS. EnsureServerCertificate creates a
self-signed root CA and a server certificate in a directory, or reuses the
ones already there until 30 days before expiry:

	<certDir>/ca.crt    trusted by devices (transport.ca_file)
	<certDir>/hub.crt
	<certDir>/hub.key

LoadCAPool reads the CA bundle on the device side.
*/
package security
