//go:build !unix

package util

// IsTransient reports no error as transient where errno values are not
// available.
func IsTransient(err error) bool {
	return false
}
