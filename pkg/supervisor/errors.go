package supervisor

import "errors"

var (
	ErrMissingHypervisor = errors.New("hypervisor binary not found")
	ErrStartHypervisor   = errors.New("start hypervisor")
	ErrWaitHypervisor    = errors.New("wait for hypervisor")
)
