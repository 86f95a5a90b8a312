package sqlite

import "github.com/btcsuite/btclog"

var log = btclog.Disabled

// UseLogger sets the package-wide logger used by the embedded backend.
// Call before Open if logging is desired; uninitialized subsystems in
// lnd-derived code default to a disabled logger, matching that
// convention here.
func UseLogger(logger btclog.Logger) {
	log = logger
}
