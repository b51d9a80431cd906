//go:build debug
// +build debug

package build

// LogLevel specifies the default log level.
var LogLevel = "debug"
