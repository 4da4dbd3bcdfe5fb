//go:build release

package config

// releaseBuild is true when built with `-tags release`; validate() refuses
// to start such a binary with server.test_mode set.
const releaseBuild = true
