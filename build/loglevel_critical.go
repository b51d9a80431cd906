//go:build critical
// +build critical

package build

// LogLevel specifies the default log level.
var LogLevel = "critical"
