// Package dss is the gateway to the metadata store holding devices, media,
// and advisory locks. The daemon only ever goes through the Store interface;
// the default implementation persists to a local bbolt database.
package dss
