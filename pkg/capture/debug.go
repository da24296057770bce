//go:build capturedebug

package capture

// debugBuild turns refcount and state violations into panics.
const debugBuild = true
