//go:build off
// +build off

package build

// LogLevel specifies the default log level.
var LogLevel = "off"
