//go:build windows

package local

import "os"

// Children cannot be sent SIGINT on Windows. Stop relies on closing stdin
// and then Kill.
func interrupt(*os.Process) error {
	return nil
}
