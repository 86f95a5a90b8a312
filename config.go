package sdk

import (
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/sparkwallet/sdk/spark/token"
	"github.com/sparkwallet/sdk/spark/tree"
)

// Config is the struct-tag-driven configuration surface for a wallet
// process, in the teacher's lnd.conf style: every tunable a field with a
// `long` flag name and a `description` shown in generated --help output.
type Config struct {
	LeafStore  LeafStoreConfig  `group:"leafstore" namespace:"leafstore"`
	TokenStore TokenStoreConfig `group:"tokenstore" namespace:"tokenstore"`
	Storage    StorageConfig    `group:"storage" namespace:"storage"`
	Parser     ParserConfig     `group:"parser" namespace:"parser"`
}

// LeafStoreConfig configures the leaf reservation store's concurrency
// bound and wait timeout (§4.2).
type LeafStoreConfig struct {
	MaxConcurrentReservations int           `long:"maxconcurrentreservations" description:"maximum number of leaf reservations held at once before TryReserveLeaves blocks" default:"30"`
	ReservationTimeout        time.Duration `long:"reservationtimeout" description:"how long TryReserveLeaves waits for a free concurrency slot before failing with ResourceBusy" default:"60s"`
}

// TokenStoreConfig configures the token output reservation store (§4.3).
type TokenStoreConfig struct {
	MaxConcurrentReservations int           `long:"maxconcurrentreservations" description:"maximum number of token-output reservations held at once" default:"30"`
	ReservationTimeout        time.Duration `long:"reservationtimeout" description:"how long TryReserveOutputs waits for a free concurrency slot before failing with ResourceBusy" default:"60s"`
	MinOutputsThreshold       int           `long:"minoutputsthreshold" description:"fragmentation threshold for OptimizeTokenOutputs: a token with this many available outputs or fewer is not consolidated; TokenStoreOptions does not apply it" default:"2"`
}

// StorageConfig selects and configures the persistence backend (§5). Only
// one of Sqlite/Postgres is populated; which one is the caller's choice at
// Open time, not something this config infers.
type StorageConfig struct {
	SqlitePath         string        `long:"sqlitepath" description:"path to the embedded sqlite database file"`
	PostgresDsn        string        `long:"postgresdsn" description:"postgres connection string for the server-side backend"`
	PostgresMaxPoolSize int          `long:"postgresmaxpoolsize" description:"maximum postgres connection pool size" default:"10"`
	PostgresSslMode    string        `long:"postgressslmode" description:"postgres sslmode: disable|prefer|require|verify-ca|verify-full" default:"prefer"`
	WaitTimeout        time.Duration `long:"waittimeout" description:"how long to wait for a pooled postgres connection" default:"10s"`
}

// ParserConfig configures the input classifier's network-dependent
// resolution hooks (§4.1): BIP-353 DNS lookups and LNURL/lightning-address
// HTTP resolution both go through caller-supplied hooks rather than a
// hardcoded resolver, so the SDK stays testable without live network I/O.
type ParserConfig struct {
	Bip353DnsTimeout  time.Duration `long:"bip353dnstimeout" description:"timeout for a single BIP-353 DNS TXT lookup" default:"5s"`
	LnurlHttpTimeout  time.Duration `long:"lnurlhttptimeout" description:"timeout for a single LNURL/lightning-address HTTP round trip" default:"10s"`
	DefaultNetwork    string        `long:"defaultnetwork" description:"network assumed when an address's network cannot be inferred from its prefix" default:"bitcoin"`
}

// ParseConfig parses args (typically os.Args[1:]) into a Config using the
// teacher's go-flags conventions: long-form flags, grouped namespaces, and
// INI-compatible defaults.
func ParseConfig(args []string) (*Config, error) {
	cfg := &Config{}
	parser := flags.NewParser(cfg, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LeafStoreOptions converts the parsed config into tree.Option values for
// tree.NewLeafStore.
func (c LeafStoreConfig) LeafStoreOptions() []tree.Option {
	return []tree.Option{
		tree.WithMaxConcurrentReservations(c.MaxConcurrentReservations),
		tree.WithReservationTimeout(c.ReservationTimeout),
	}
}

// TokenStoreOptions converts the parsed config into token.Option values for
// token.NewTokenOutputStore.
func (c TokenStoreConfig) TokenStoreOptions() []token.Option {
	return []token.Option{
		token.WithMaxConcurrentReservations(c.MaxConcurrentReservations),
		token.WithReservationTimeout(c.ReservationTimeout),
	}
}
