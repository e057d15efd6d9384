// +build !debug

package jms

// dummy debug logger for release builds
func debug(_ int, _ string, _ ...interface{}) {}
