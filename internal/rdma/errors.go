package rdma

import "errors"

// Resource manager errors.
var (
	ErrDeviceNotFound     = errors.New("RDMA device not found")
	ErrOpenFailed         = errors.New("failed to open RDMA device")
	ErrQueryFailed        = errors.New("failed to query RDMA device")
	ErrCapabilityMissing  = errors.New("required device capability missing")
	ErrPDAllocFailed      = errors.New("failed to allocate protection domain")
	ErrAllocationFailed   = errors.New("memory allocation failed")
	ErrRegistrationFailed = errors.New("memory registration failed")
	ErrAlreadyRegistered  = errors.New("memory region already registered")
	ErrQPCreationFailed   = errors.New("failed to create queue pair")
	ErrCQCreationFailed   = errors.New("failed to create completion queue")
	ErrSRQCreationFailed  = errors.New("failed to create shared receive queue")
	ErrInvalidIndex       = errors.New("invalid index")

	ErrResourceInUse = errors.New("resource still in use")
	ErrPoolDrained   = errors.New("resource pool drained")
	ErrNotOpen       = errors.New("device not open")
)

// ErrHugePagesUnavailable is returned when a huge-page backed mapping cannot be
// created. It wraps ErrAllocationFailed.
var ErrHugePagesUnavailable error = &hugePageError{}

type hugePageError struct{}

func (e *hugePageError) Error() string {
	return "huge page allocation failed (check that enough huge pages are reserved, e.g. vm.nr_hugepages)"
}

func (e *hugePageError) Unwrap() error { return ErrAllocationFailed }

var fatalErrors = []error{
	ErrDeviceNotFound,
	ErrOpenFailed,
	ErrQueryFailed,
	ErrCapabilityMissing,
	ErrPDAllocFailed,
	ErrAllocationFailed,
	ErrRegistrationFailed,
}

// IsFatal reports whether err belongs to the startup class of failures that
// the orchestrator must not try to recover from.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	for _, target := range fatalErrors {
		if errors.Is(err, target) {
			return true
		}
	}

	return false
}

// ErrorKind returns a short label for err suitable for metrics and logs.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrHugePagesUnavailable):
		return "huge_pages_unavailable"
	case errors.Is(err, ErrDeviceNotFound):
		return "device_not_found"
	case errors.Is(err, ErrOpenFailed):
		return "open_failed"
	case errors.Is(err, ErrQueryFailed):
		return "query_failed"
	case errors.Is(err, ErrCapabilityMissing):
		return "capability_missing"
	case errors.Is(err, ErrPDAllocFailed):
		return "pd_alloc_failed"
	case errors.Is(err, ErrAllocationFailed):
		return "allocation_failed"
	case errors.Is(err, ErrAlreadyRegistered):
		return "already_registered"
	case errors.Is(err, ErrRegistrationFailed):
		return "registration_failed"
	case errors.Is(err, ErrQPCreationFailed):
		return "qp_creation_failed"
	case errors.Is(err, ErrCQCreationFailed):
		return "cq_creation_failed"
	case errors.Is(err, ErrSRQCreationFailed):
		return "srq_creation_failed"
	case errors.Is(err, ErrInvalidIndex):
		return "invalid_index"
	case errors.Is(err, ErrResourceInUse):
		return "resource_in_use"
	case errors.Is(err, ErrPoolDrained):
		return "pool_drained"
	default:
		return "other"
	}
}
