package sqlite

import "github.com/sparkwallet/sdk/persist"

// migrations is the embedded backend's ordered schema history, applied by
// Open before the store is returned.
var migrations = []persist.Migration{
	{
		Version:     1,
		Description: "initial payments cluster, deposits, settings, sync journal",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS payments (
				id TEXT PRIMARY KEY,
				payment_type TEXT NOT NULL,
				status TEXT NOT NULL,
				amount TEXT NOT NULL,
				fees TEXT NOT NULL,
				timestamp INTEGER NOT NULL,
				method TEXT NOT NULL,
				withdraw_tx_id TEXT,
				deposit_tx_id TEXT,
				spark INTEGER
			)`,
			`CREATE INDEX IF NOT EXISTS idx_payments_timestamp ON payments(timestamp)`,
			`CREATE INDEX IF NOT EXISTS idx_payments_payment_type ON payments(payment_type)`,
			`CREATE INDEX IF NOT EXISTS idx_payments_status ON payments(status)`,

			`CREATE TABLE IF NOT EXISTS payment_metadata (
				payment_id TEXT PRIMARY KEY,
				parent_payment_id TEXT,
				lnurl_pay_info TEXT,
				lnurl_withdraw_info TEXT,
				lnurl_description TEXT,
				conversion_info TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_payment_metadata_parent ON payment_metadata(parent_payment_id)`,

			`CREATE TABLE IF NOT EXISTS payment_details_lightning (
				payment_id TEXT PRIMARY KEY,
				invoice TEXT NOT NULL,
				payment_hash TEXT NOT NULL,
				preimage TEXT,
				htlc_status TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_payment_details_lightning_invoice ON payment_details_lightning(invoice)`,

			`CREATE TABLE IF NOT EXISTS payment_details_token (
				payment_id TEXT PRIMARY KEY,
				tx_hash TEXT NOT NULL,
				tx_type TEXT NOT NULL,
				token_identifier TEXT NOT NULL
			)`,

			`CREATE TABLE IF NOT EXISTS payment_details_spark (
				payment_id TEXT PRIMARY KEY,
				htlc_status TEXT
			)`,

			`CREATE TABLE IF NOT EXISTS lnurl_receive_metadata (
				payment_hash TEXT PRIMARY KEY,
				nostr_zap_request TEXT,
				nostr_zap_receipt TEXT,
				sender_comment TEXT
			)`,

			`CREATE TABLE IF NOT EXISTS unclaimed_deposits (
				txid TEXT NOT NULL,
				vout INTEGER NOT NULL,
				amount_sats INTEGER NOT NULL,
				claim_error TEXT,
				refund_tx TEXT,
				refund_tx_id TEXT,
				PRIMARY KEY (txid, vout)
			)`,

			`CREATE TABLE IF NOT EXISTS settings (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL
			)`,

			`CREATE TABLE IF NOT EXISTS sync_outgoing (
				record_type TEXT NOT NULL,
				data_id TEXT NOT NULL,
				schema_version INTEGER NOT NULL,
				updated_fields TEXT NOT NULL,
				local_revision INTEGER NOT NULL,
				PRIMARY KEY (record_type, data_id, local_revision)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_sync_outgoing_type_id ON sync_outgoing(record_type, data_id)`,

			`CREATE TABLE IF NOT EXISTS sync_state (
				record_type TEXT NOT NULL,
				data_id TEXT NOT NULL,
				schema_version INTEGER NOT NULL,
				data BLOB NOT NULL,
				revision INTEGER NOT NULL,
				PRIMARY KEY (record_type, data_id)
			)`,

			`CREATE TABLE IF NOT EXISTS sync_incoming (
				record_type TEXT NOT NULL,
				data_id TEXT NOT NULL,
				schema_version INTEGER NOT NULL,
				data BLOB NOT NULL,
				revision INTEGER NOT NULL,
				PRIMARY KEY (record_type, data_id, revision)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_sync_incoming_revision ON sync_incoming(revision)`,

			`CREATE TABLE IF NOT EXISTS sync_revision (
				id INTEGER PRIMARY KEY CHECK (id = 1),
				revision INTEGER NOT NULL
			)`,
			`INSERT OR IGNORE INTO sync_revision (id, revision) VALUES (1, 0)`,
		},
	},
}
