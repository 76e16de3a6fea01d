//go:build !windows
// +build !windows

package filesystem

const invalidChars = "/"
