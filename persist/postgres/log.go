package postgres

import "github.com/btcsuite/btclog"

var log = btclog.Disabled

// UseLogger sets the package-wide logger used by the server-side backend.
func UseLogger(logger btclog.Logger) {
	log = logger
}
