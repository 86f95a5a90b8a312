package persist

import "context"

// Storage is the persistence contract implemented by every backend
// (embedded sqlite, server-side postgres). Every method returns a
// *StorageError on failure.
type Storage interface {
	// Payment queries (§4.4.1).
	ListPayments(ctx context.Context, req ListPaymentsRequest) ([]Payment, error)
	GetPaymentById(ctx context.Context, id string) (*Payment, error)
	GetPaymentsByParentIds(ctx context.Context, parentIds []string) (map[string][]Payment, error)
	InsertPayment(ctx context.Context, payment Payment) error

	// Payment metadata (§4.4.2).
	InsertPaymentMetadata(ctx context.Context, metadata PaymentMetadata) error

	// LNURL receive metadata, keyed by Lightning payment hash.
	SetLnurlReceiveMetadata(ctx context.Context, metadata LnurlReceiveMetadata) error
	GetLnurlReceiveMetadata(ctx context.Context, paymentHash string) (*LnurlReceiveMetadata, error)

	// Deposit lifecycle (§4.4.4).
	AddDeposit(ctx context.Context, txId string, vout uint32, amountSats uint64) error
	UpdateDeposit(ctx context.Context, txId string, vout uint32, payload UpdateDepositPayload) error
	DeleteDeposit(ctx context.Context, txId string, vout uint32) error
	ListDeposits(ctx context.Context) ([]DepositInfo, error)

	// Generic key/value settings cache.
	SetSetting(ctx context.Context, key, value string) error
	GetSetting(ctx context.Context, key string) (*string, error)

	// Sync journal (§4.4.5).
	AddOutgoingChange(ctx context.Context, change UnversionedRecordChange) (uint64, error)
	GetPendingOutgoingChanges(ctx context.Context, limit int) ([]OutgoingChange, error)
	GetLatestOutgoingChange(ctx context.Context) (*OutgoingChange, error)
	CompleteOutgoingSync(ctx context.Context, committed Record, localRevision uint64) error
	InsertIncomingRecords(ctx context.Context, records []Record) error
	GetIncomingRecords(ctx context.Context, limit int) ([]IncomingChange, error)
	UpdateRecordFromIncoming(ctx context.Context, record Record) error
	DeleteIncomingRecord(ctx context.Context, record Record) error
	GetLastRevision(ctx context.Context) (uint64, error)

	// Close releases the backend's connection(s).
	Close() error
}
