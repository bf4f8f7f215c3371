//go:build !(rdma_hw && linux && cgo)

package rdma

import (
	"errors"
	"fmt"
)

// ErrHardwareBackendUnavailable is returned when the hardware backend is
// requested from a binary built without the rdma_hw tag.
var ErrHardwareBackendUnavailable = errors.New("hardware verbs backend not compiled in (build with -tags rdma_hw)")

// NewBackend returns the backend for kind.
func NewBackend(kind string) (Backend, error) {
	switch kind {
	case BackendSimulated:
		return NewSimulatedBackend(), nil
	case BackendHardware:
		return nil, ErrHardwareBackendUnavailable
	default:
		return nil, fmt.Errorf("unknown verbs backend %q", kind)
	}
}
