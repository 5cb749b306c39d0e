//go:build !unix

package fdmanager

import "fmt"

// currentUlimit has no OS-reported ulimit outside Unix. New selects
// DynamicMax whenever staticMax == 0, which is also the --fd-static-max
// default on every platform, so on these platforms a node started without
// that flag gets this error from its ulimit refresh.
func currentUlimit() (uint64, error) {
	return 0, fmt.Errorf("ulimit refresh is unsupported on this platform")
}
