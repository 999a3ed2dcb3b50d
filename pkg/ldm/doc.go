// Package ldm provides the local device manager adapters: media-changer
// libraries and medium filesystems. Adapters are values behind small
// interfaces, registered per driver key so the scheduler can instantiate
// them from DSS enums.
package ldm
