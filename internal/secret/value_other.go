//go:build !linux

package secret

import "errors"

var errMlockUnsupported = errors.New("mlock unsupported on this platform")

func lockMemory(b []byte) error { return errMlockUnsupported }

func unlockMemory(b []byte) {}
