// Package tlc talks to the Tape Library Controller, the remote service
// multiplexing SCSI access to a media changer. Requests and responses use
// the same version-prefixed length-delimited framing as the client protocol.
package tlc
