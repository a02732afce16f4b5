//go:build linux

package secret

import "golang.org/x/sys/unix"

func lockMemory(b []byte) error {
	return unix.Mlock(b)
}

func unlockMemory(b []byte) {
	_ = unix.Munlock(b)
}
