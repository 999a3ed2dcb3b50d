// Package types defines the shared data model of the resource scheduler:
// devices, media, locks, and their status enums.
package types
