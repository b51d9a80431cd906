//go:build trace
// +build trace

package build

// LogLevel specifies the default log level.
var LogLevel = "trace"
