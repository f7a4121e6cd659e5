//go:build !cgo

package audio

import "errors"

const miniaudioSupported = false

func newMiniaudioBackend() (Backend, error) {
	return nil, errors.New("miniaudio backend requires a cgo build")
}
