/*
Package provisioning establishes the identity of the device with the cloud
registry and returns the endpoint it must connect to.

GroupEnrollment derives the device key from the enrollment group key and
registers through a transport.Registrar. Any outcome other than an
assigned hub is a *ProvisioningError, which the agent treats as fatal.
Static serves devices configured with a connection string.
*/
package provisioning
