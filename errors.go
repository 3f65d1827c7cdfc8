package nimi

import "fmt"

// errorf wraps a formatted error, mirroring the chained-context style
// used throughout the package: every error names the stage it occurred
// in (spawn, config-dir, wait, ...) so a fatal error trail reads top to
// bottom from outermost to innermost cause.
func errorf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}
