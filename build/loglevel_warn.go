//go:build warn
// +build warn

package build

// LogLevel specifies the default log level.
var LogLevel = "warn"
