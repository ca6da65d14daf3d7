//go:build linux

package actor

import (
	"golang.org/x/sys/unix"
)

const pinSupported = true

// pinThread binds the calling OS thread to core. The caller must hold
// runtime.LockOSThread.
func pinThread(core int) error {
	if core == AnyCore {
		return nil
	}
	var set unix.CPUSet
	set.Zero()
	set.Set(core)
	return unix.SchedSetaffinity(0, &set)
}

// setThreadPriority maps priority onto the thread's nice value, higher
// priority meaning lower nice. Raising priority above the default needs
// CAP_SYS_NICE; the error is reported to the caller, which records it.
func setThreadPriority(priority int) error {
	if priority <= 0 {
		return nil
	}
	return unix.Setpriority(unix.PRIO_PROCESS, unix.Gettid(), -priority)
}
