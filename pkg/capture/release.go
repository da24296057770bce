//go:build !capturedebug

package capture

const debugBuild = false
