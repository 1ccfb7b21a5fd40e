// Package rlimit queries and raises the limit on open files, which bounds
// how many temporary files a merge pass may hold open at once.
package rlimit

// RaiseOpenFilesLimit raises the soft limit on open files to the hard limit
// and returns the new soft limit.
func RaiseOpenFilesLimit() (uint64, error) {
	return raiseOpenFilesLimit()
}

// OpenFilesLimit returns the current soft limit on open files.
func OpenFilesLimit() (uint64, error) {
	return openFilesLimit()
}
