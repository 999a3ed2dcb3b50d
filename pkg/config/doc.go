// Package config loads daemon configuration through viper and exposes
// typed accessors for the recognized option keys.
package config
