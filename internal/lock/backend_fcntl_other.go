//go:build !unix

package lock

import "fmt"

func newFcntlBackend() (Backend, error) {
	return nil, fmt.Errorf("the fcntl lock backend is not supported on this platform")
}
