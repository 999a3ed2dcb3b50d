// Package protocol implements the client wire protocol: a one-byte version
// followed by a length-prefixed serialized message, plus the errno-scale
// error codes shared between daemon and clients.
package protocol
