//go:build error
// +build error

package build

// LogLevel specifies the default log level.
var LogLevel = "error"
