package tree

import "github.com/btcsuite/btclog"

var log = btclog.Disabled

// UseLogger sets the package-wide logger used by the leaf store.
func UseLogger(logger btclog.Logger) {
	log = logger
}
