package sdk

import (
	"io"
	"os"

	"github.com/btcsuite/btclog"
	"github.com/sparkwallet/sdk/input"
	"github.com/sparkwallet/sdk/spark/send"
	"github.com/sparkwallet/sdk/spark/token"
	"github.com/sparkwallet/sdk/spark/tree"
)

// Subsystem tags, one per component package. Mirrors the teacher's
// subsystem-logger convention: every package keeps its own tagged logger,
// wired through UseLogger rather than sharing one global logger.
const (
	subsystemParser = "PRSR"
	subsystemLeaf   = "LEAF"
	subsystemToken  = "TOKN"
	subsystemPerst  = "PERS"
	subsystemSend   = "SEND"
)

var log = btclog.Disabled

// UseLogger sets the SDK-wide logger and distributes a tagged sub-logger to
// every internal package. A consumer that never calls this gets silent
// operation (btclog.Disabled), matching the teacher's default. The storage
// backend is opened separately (persist/sqlite.Open or persist/postgres.Open)
// and carries its own UseLogger tagged subsystemPerst, since the SDK itself
// never picks a backend on the caller's behalf.
func UseLogger(backend *btclog.Backend) {
	log = backend.Logger("SPRK")
	input.UseLogger(backend.Logger(subsystemParser))
	tree.UseLogger(backend.Logger(subsystemLeaf))
	token.UseLogger(backend.Logger(subsystemToken))
	send.UseLogger(backend.Logger(subsystemSend))
}

// NewLogBackend creates a btclog backend that writes to w, or to os.Stdout
// when w is nil, for callers that don't want to set up their own
// rotator via github.com/jrick/logrotate.
func NewLogBackend(w io.Writer) *btclog.Backend {
	if w == nil {
		w = os.Stdout
	}
	return btclog.NewBackend(w)
}
