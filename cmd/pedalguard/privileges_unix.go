//go:build unix

package main

import (
	"fmt"
	"syscall"
)

// dropPrivileges resets the effective uid to the real uid once the buses
// are open.
func dropPrivileges() error {
	uid := syscall.Getuid()
	if err := syscall.Setuid(uid); err != nil {
		return fmt.Errorf("setuid(%d): %w", uid, err)
	}
	return nil
}
