//go:build windows

package tui

// The Windows console restores its own mode when the program exits.
func bestEffortResetTTY() {}
