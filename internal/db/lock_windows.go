//go:build windows

package db

import "golang.org/x/sys/windows"

// stillActive is the exit code GetExitCodeProcess reports for a running process.
const stillActive = 259

// lockedBytes is the range locked at the start of replica.lock.
const lockedBytes = 1

func (l *writeLocker) handle() windows.Handle {
	return windows.Handle(l.lockFile.Fd())
}

func (l *writeLocker) tryLock() error {
	flags := uint32(windows.LOCKFILE_EXCLUSIVE_LOCK | windows.LOCKFILE_FAIL_IMMEDIATELY)
	return windows.LockFileEx(l.handle(), flags, 0, lockedBytes, 0, new(windows.Overlapped))
}

func (l *writeLocker) unlock() {
	if l.lockFile == nil {
		return
	}
	windows.UnlockFileEx(l.handle(), 0, lockedBytes, 0, new(windows.Overlapped))
}

func isProcessAlive(pid int) bool {
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(h)

	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return false
	}
	return code == stillActive
}
