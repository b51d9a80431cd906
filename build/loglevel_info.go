//go:build info
// +build info

package build

// LogLevel specifies the default log level.
var LogLevel = "info"
