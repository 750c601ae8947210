package main

import "fmt"

// exitCodeError carries a process exit code through cobra's error return
// without printing an error message for it.
type exitCodeError int

func (e exitCodeError) Error() string {
	return fmt.Sprintf("exit code %d", int(e))
}

// commandExit converts a child exit code into an error RunE can return.
// A zero code is not an error.
func commandExit(code int) error {
	if code == 0 {
		return nil
	}
	return exitCodeError(code)
}
