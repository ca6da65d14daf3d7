//go:build !linux

package actor

const pinSupported = false

// pinThread is a no-op where thread affinity is not available.
func pinThread(int) error { return nil }

// setThreadPriority is a no-op where per-thread nice values are not
// available.
func setThreadPriority(int) error { return nil }
