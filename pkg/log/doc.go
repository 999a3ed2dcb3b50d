// Package log wraps zerolog behind a small global logger used by every
// daemon component. Child loggers carry component, device, and medium fields.
package log
