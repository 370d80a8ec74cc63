package fleet

import "errors"

// Sentinel errors returned by FleetDashboard's instance proxy.
var (
	// ErrUnknownInstance is returned when a pid names an instance the
	// registry has no record of.
	ErrUnknownInstance = errors.New("fleet: unknown instance")

	// ErrInstanceIsZombie is returned when a proxy call targets an
	// instance already marked zombie — its HTTP surface is presumed dead.
	ErrInstanceIsZombie = errors.New("fleet: instance is a zombie")

	// ErrNotZombie is returned by force-kill when the target instance is
	// not currently in the zombie state.
	ErrNotZombie = errors.New("fleet: can only force-kill zombie instances")
)
