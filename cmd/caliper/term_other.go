//go:build !linux

package main

// isTerminal conservatively reports false on platforms without a termios
// probe; logging falls back to JSON output.
func isTerminal(fd uintptr) bool { return false }
