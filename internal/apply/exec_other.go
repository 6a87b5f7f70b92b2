//go:build !unix

package apply

// isExecutable has no bit-level meaning on windows; suffix dispatch alone
// decides the launch path there.
func isExecutable(path string) bool {
	return true
}
