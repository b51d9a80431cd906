// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import "fmt"

const (
	appMajor uint = 0
	appMinor uint = 1
	appPatch uint = 0
)

// appBuild may be set at link time, e.g.
// -ldflags "-X main.appBuild=$(git rev-parse --short HEAD)".
var appBuild string

// version returns the application version as a properly formed string per
// semantic versioning 2.0.0 (http://semver.org/).
func version() string {
	v := fmt.Sprintf("%d.%d.%d", appMajor, appMinor, appPatch)
	if appBuild != "" {
		v += "+" + appBuild
	}
	return v
}
