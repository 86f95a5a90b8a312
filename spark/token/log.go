package token

import "github.com/btcsuite/btclog"

var log = btclog.Disabled

// UseLogger sets the package-wide logger used by the token output store.
func UseLogger(logger btclog.Logger) {
	log = logger
}
