//go:build !release

package config

// releaseBuild is false for ordinary development and test builds, which may
// run with server.test_mode enabled.
const releaseBuild = false
