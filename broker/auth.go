// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package broker

// Capability filters the values a connection may read and write. It is
// produced by the Authenticator and applied as a pass-through transform
// on both directions of the value flow.
type Capability interface {
	// FilterRead rewrites a value before it is sent to the client.
	FilterRead(path string, value interface{}) interface{}

	// FilterWrite rewrites a value before it is written to the store,
	// or rejects the write.
	FilterWrite(path string, value interface{}) (interface{}, error)
}

// Authenticator produces the Capability for a connection. It is
// invoked when the connection is established and again on explicit
// re-authentication.
type Authenticator interface {
	Authenticate(conn Conn, credentials interface{}) (Capability, error)
}

// NopAuthenticator admits every connection with an unrestricted
// capability.
type NopAuthenticator struct{}

// Authenticate implements Authenticator.
func (NopAuthenticator) Authenticate(conn Conn, credentials interface{}) (Capability, error) {
	return nopCapability{}, nil
}

type nopCapability struct{}

func (nopCapability) FilterRead(path string, value interface{}) interface{} {
	return value
}

func (nopCapability) FilterWrite(path string, value interface{}) (interface{}, error) {
	return value, nil
}
