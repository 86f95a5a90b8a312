package postgres

import "time"

// PoolQueueMode selects the order in which a pgxpool.Pool hands out
// connections once every connection is checked out and callers queue for
// one to free up. Open does not apply it: the pool serves queued callers
// in its own order whatever StorageConfig.QueueMode holds.
type PoolQueueMode string

const (
	// QueueModeFifo serves the longest-waiting caller first.
	QueueModeFifo PoolQueueMode = "fifo"
	// QueueModeLifo serves the most-recently-queued caller first, which
	// under bursty load keeps a smaller working set of connections hot
	// and lets idle ones recycle sooner.
	QueueModeLifo PoolQueueMode = "lifo"
)

// StorageConfig configures the server-side Postgres backend's connection
// pool and TLS posture.
type StorageConfig struct {
	ConnectionString string

	MaxPoolSize int

	WaitTimeout    time.Duration
	CreateTimeout  time.Duration
	RecycleTimeout time.Duration

	QueueMode PoolQueueMode

	// SslMode is one of disable|prefer|require|verify-ca|verify-full,
	// appended to ConnectionString if not already present.
	SslMode string

	// RootCaPem holds a caller-supplied CA bundle in PEM form. Open does not
	// read it: certificate verification uses whatever sslrootcert the
	// connection string names, or the system trust store.
	RootCaPem *string
}

// DefaultStorageConfig mirrors the defaults a new wallet process should
// use absent an explicit operator override.
func DefaultStorageConfig(connectionString string) StorageConfig {
	return StorageConfig{
		ConnectionString: connectionString,
		MaxPoolSize:      10,
		WaitTimeout:      30 * time.Second,
		CreateTimeout:    10 * time.Second,
		RecycleTimeout:   90 * time.Second,
		QueueMode:        QueueModeFifo,
		SslMode:          "prefer",
	}
}
