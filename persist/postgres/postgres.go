// Package postgres implements the server-side Storage backend over a
// pgxpool.Pool, for deployments that centralize wallet state rather than
// keeping it embedded per-device.
package postgres

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/sparkwallet/sdk/persist"
)

// migrationLockId is the pg_advisory_xact_lock argument derived from
// persist.MigrationLockTag, matching the lnd convention of deriving small
// fixed identifiers from an ASCII tag rather than picking an arbitrary
// magic number.
var migrationLockId = int64(binary.BigEndian.Uint32([]byte(persist.MigrationLockTag)))

// Store is the server-side Storage implementation.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to Postgres per cfg, applies any migration newer than the
// database's current schema version under a transaction-scoped advisory
// lock, and returns the ready store.
func Open(ctx context.Context, cfg StorageConfig) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(buildConnString(cfg))
	if err != nil {
		return nil, persist.InitializationError(err, "parsing postgres connection string")
	}
	poolCfg.MaxConns = int32(cfg.MaxPoolSize)
	poolCfg.MaxConnLifetime = cfg.RecycleTimeout
	poolCfg.HealthCheckPeriod = cfg.RecycleTimeout

	pool, err := pgxpool.ConnectConfig(ctx, poolCfg)
	if err != nil {
		return nil, persist.InitializationError(err, "connecting to postgres")
	}

	if _, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		pool.Close()
		return nil, persist.InitializationError(err, "creating schema_migrations table")
	}

	if err := applyMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	log.Infof("opened postgres storage pool (max_conns=%d)", cfg.MaxPoolSize)
	return &Store{pool: pool}, nil
}

func buildConnString(cfg StorageConfig) string {
	connStr := cfg.ConnectionString
	if cfg.SslMode != "" && !strings.Contains(connStr, "sslmode=") {
		sep := "?"
		if strings.Contains(connStr, "?") {
			sep = "&"
		}
		connStr = fmt.Sprintf("%s%ssslmode=%s", connStr, sep, cfg.SslMode)
	}
	return connStr
}

// applyMigrations serializes schema evolution across every process
// connecting to this database: the advisory lock is held for the
// duration of the migrating transaction, so a concurrent Open blocks
// until the migrator commits rather than racing DDL.
func applyMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return persist.InitializationError(err, "beginning migration transaction")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockId); err != nil {
		return persist.InitializationError(err, "acquiring migration lock")
	}

	var current int
	row := tx.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`)
	if err := row.Scan(&current); err != nil {
		return persist.InitializationError(err, "reading schema version")
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		for _, stmt := range m.Statements {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return persist.InitializationError(err, "applying migration %d", m.Version)
			}
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, m.Version); err != nil {
			return persist.InitializationError(err, "recording migration %d", m.Version)
		}
		log.Infof("applied migration %d: %s", m.Version, m.Description)
	}

	if err := tx.Commit(ctx); err != nil {
		return persist.InitializationError(err, "committing migrations")
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func classifyExecError(err error) error {
	if err == nil {
		return nil
	}
	if pgErr, ok := err.(*pgconn.PgError); ok {
		// Class 08 (connection exception) is retryable; a unique
		// violation on an upsert's own conflict target should never
		// happen given the ON CONFLICT clauses above, so treat it
		// (and everything else) as an implementation fault.
		switch {
		case strings.HasPrefix(pgErr.Code, "08"):
			return persist.ConnectionError(err)
		case pgErr.Code == pgerrcode.UniqueViolation:
			return persist.ImplementationErrorWrap(err, "unexpected unique violation")
		}
		return persist.ImplementationErrorWrap(err, "postgres error %s", pgErr.Code)
	}
	if err == pgx.ErrNoRows {
		return persist.ImplementationErrorWrap(err, "no matching row")
	}
	return persist.ImplementationErrorWrap(err, "postgres query failed")
}

func marshalJSON(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, persist.SerializationError(err)
	}
	if string(b) == "null" {
		return nil, nil
	}
	return b, nil
}

func unmarshalJSON(raw []byte, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return persist.SerializationError(err)
	}
	return nil
}

// InsertPayment upserts a payment row by id, with its per-rail detail
// rows upserted using field-level COALESCE on optional columns, matching
// the embedded backend's semantics.
func (s *Store) InsertPayment(ctx context.Context, payment persist.Payment) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classifyExecError(err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO payments (id, payment_type, status, amount, fees, timestamp, method, withdraw_tx_id, deposit_tx_id, spark)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			payment_type = excluded.payment_type,
			status = excluded.status,
			amount = excluded.amount,
			fees = excluded.fees,
			timestamp = excluded.timestamp,
			method = excluded.method,
			withdraw_tx_id = COALESCE(excluded.withdraw_tx_id, payments.withdraw_tx_id),
			deposit_tx_id = COALESCE(excluded.deposit_tx_id, payments.deposit_tx_id),
			spark = COALESCE(excluded.spark, payments.spark)
	`, payment.Id, payment.PaymentType, payment.Status, payment.AmountSats, payment.FeesSats,
		payment.Timestamp, payment.Method, payment.WithdrawTxId, payment.DepositTxId, payment.Spark)
	if err != nil {
		return classifyExecError(err)
	}

	if d := payment.Lightning; d != nil {
		_, err = tx.Exec(ctx, `
			INSERT INTO payment_details_lightning (payment_id, invoice, payment_hash, preimage, htlc_status)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (payment_id) DO UPDATE SET
				invoice = excluded.invoice,
				payment_hash = excluded.payment_hash,
				preimage = COALESCE(excluded.preimage, payment_details_lightning.preimage),
				htlc_status = excluded.htlc_status
		`, d.PaymentId, d.Invoice, d.PaymentHash, d.Preimage, d.HtlcStatus)
		if err != nil {
			return classifyExecError(err)
		}
	}

	if d := payment.Token; d != nil {
		_, err = tx.Exec(ctx, `
			INSERT INTO payment_details_token (payment_id, tx_hash, tx_type, token_identifier)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (payment_id) DO UPDATE SET
				tx_hash = excluded.tx_hash,
				tx_type = excluded.tx_type,
				token_identifier = excluded.token_identifier
		`, d.PaymentId, d.TxHash, d.TxType, d.TokenIdentifier)
		if err != nil {
			return classifyExecError(err)
		}
	}

	if d := payment.SparkDetail; d != nil {
		_, err = tx.Exec(ctx, `
			INSERT INTO payment_details_spark (payment_id, htlc_status)
			VALUES ($1, $2)
			ON CONFLICT (payment_id) DO UPDATE SET
				htlc_status = COALESCE(excluded.htlc_status, payment_details_spark.htlc_status)
		`, d.PaymentId, d.HtlcStatus)
		if err != nil {
			return classifyExecError(err)
		}
	}

	return classifyExecError(tx.Commit(ctx))
}

// InsertPaymentMetadata upserts by payment_id with COALESCE semantics.
func (s *Store) InsertPaymentMetadata(ctx context.Context, metadata persist.PaymentMetadata) error {
	lnurlPay, err := marshalJSON(metadata.LnurlPayInfo)
	if err != nil {
		return err
	}
	lnurlWithdraw, err := marshalJSON(metadata.LnurlWithdrawInfo)
	if err != nil {
		return err
	}
	conversion, err := marshalJSON(metadata.ConversionInfo)
	if err != nil {
		return err
	}

	_, execErr := s.pool.Exec(ctx, `
		INSERT INTO payment_metadata (payment_id, parent_payment_id, lnurl_pay_info, lnurl_withdraw_info, lnurl_description, conversion_info)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (payment_id) DO UPDATE SET
			parent_payment_id = COALESCE(excluded.parent_payment_id, payment_metadata.parent_payment_id),
			lnurl_pay_info = COALESCE(excluded.lnurl_pay_info, payment_metadata.lnurl_pay_info),
			lnurl_withdraw_info = COALESCE(excluded.lnurl_withdraw_info, payment_metadata.lnurl_withdraw_info),
			lnurl_description = COALESCE(excluded.lnurl_description, payment_metadata.lnurl_description),
			conversion_info = COALESCE(excluded.conversion_info, payment_metadata.conversion_info)
	`, metadata.PaymentId, metadata.ParentPaymentId, lnurlPay, lnurlWithdraw, metadata.LnurlDescription, conversion)
	return classifyExecError(execErr)
}

func (s *Store) hydrate(ctx context.Context, p *persist.Payment) error {
	var parent, lnurlDesc *string
	var lnurlPay, lnurlWithdraw, conversion []byte
	row := s.pool.QueryRow(ctx, `SELECT parent_payment_id, lnurl_pay_info, lnurl_withdraw_info, lnurl_description, conversion_info FROM payment_metadata WHERE payment_id = $1`, p.Id)
	if err := row.Scan(&parent, &lnurlPay, &lnurlWithdraw, &lnurlDesc, &conversion); err == nil {
		m := &persist.PaymentMetadata{PaymentId: p.Id, ParentPaymentId: parent, LnurlDescription: lnurlDesc}
		if err := unmarshalJSON(lnurlPay, &m.LnurlPayInfo); err != nil {
			return err
		}
		if err := unmarshalJSON(lnurlWithdraw, &m.LnurlWithdrawInfo); err != nil {
			return err
		}
		if err := unmarshalJSON(conversion, &m.ConversionInfo); err != nil {
			return err
		}
		p.Metadata = m
	} else if err != pgx.ErrNoRows {
		return classifyExecError(err)
	}

	switch p.Method {
	case persist.MethodBolt11Invoice:
		var d persist.LightningDetails
		row := s.pool.QueryRow(ctx, `SELECT payment_id, invoice, payment_hash, preimage, htlc_status FROM payment_details_lightning WHERE payment_id = $1`, p.Id)
		if err := row.Scan(&d.PaymentId, &d.Invoice, &d.PaymentHash, &d.Preimage, &d.HtlcStatus); err == nil {
			p.Lightning = &d
		} else if err != pgx.ErrNoRows {
			return classifyExecError(err)
		}
	case persist.MethodToken:
		var d persist.TokenDetails
		row := s.pool.QueryRow(ctx, `SELECT payment_id, tx_hash, tx_type, token_identifier FROM payment_details_token WHERE payment_id = $1`, p.Id)
		if err := row.Scan(&d.PaymentId, &d.TxHash, &d.TxType, &d.TokenIdentifier); err == nil {
			p.Token = &d
		} else if err != pgx.ErrNoRows {
			return classifyExecError(err)
		}
	case persist.MethodSparkAddress:
		var d persist.SparkDetails
		row := s.pool.QueryRow(ctx, `SELECT payment_id, htlc_status FROM payment_details_spark WHERE payment_id = $1`, p.Id)
		if err := row.Scan(&d.PaymentId, &d.HtlcStatus); err == nil {
			p.SparkDetail = &d
		} else if err != pgx.ErrNoRows {
			return classifyExecError(err)
		}
	}

	return nil
}

func (s *Store) scanPaymentRow(row pgx.Row) (persist.Payment, error) {
	var p persist.Payment
	err := row.Scan(&p.Id, &p.PaymentType, &p.Status, &p.AmountSats, &p.FeesSats, &p.Timestamp,
		&p.Method, &p.WithdrawTxId, &p.DepositTxId, &p.Spark)
	return p, err
}

// GetPaymentById returns the payment row for id, or nil if absent.
func (s *Store) GetPaymentById(ctx context.Context, id string) (*persist.Payment, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, payment_type, status, amount, fees, timestamp, method, withdraw_tx_id, deposit_tx_id, spark FROM payments WHERE id = $1`, id)
	p, err := s.scanPaymentRow(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classifyExecError(err)
	}
	if err := s.hydrate(ctx, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPaymentsByParentIds returns, for each given parent id, its child rows.
func (s *Store) GetPaymentsByParentIds(ctx context.Context, parentIds []string) (map[string][]persist.Payment, error) {
	result := make(map[string][]persist.Payment)
	if len(parentIds) == 0 {
		return result, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT p.id, p.payment_type, p.status, p.amount, p.fees, p.timestamp, p.method, p.withdraw_tx_id, p.deposit_tx_id, p.spark, m.parent_payment_id
		FROM payments p JOIN payment_metadata m ON m.payment_id = p.id
		WHERE m.parent_payment_id = ANY($1)
	`, parentIds)
	if err != nil {
		return nil, classifyExecError(err)
	}
	defer rows.Close()

	for rows.Next() {
		var p persist.Payment
		var parent string
		if err := rows.Scan(&p.Id, &p.PaymentType, &p.Status, &p.AmountSats, &p.FeesSats, &p.Timestamp,
			&p.Method, &p.WithdrawTxId, &p.DepositTxId, &p.Spark, &parent); err != nil {
			return nil, classifyExecError(err)
		}
		if err := s.hydrate(ctx, &p); err != nil {
			return nil, err
		}
		result[parent] = append(result[parent], p)
	}
	return result, classifyExecError(rows.Err())
}

// ListPayments returns payment rows matching req, always excluding rows
// whose metadata has a non-null parent_payment_id.
func (s *Store) ListPayments(ctx context.Context, req persist.ListPaymentsRequest) ([]persist.Payment, error) {
	query := `SELECT p.id, p.payment_type, p.status, p.amount, p.fees, p.timestamp, p.method, p.withdraw_tx_id, p.deposit_tx_id, p.spark
		FROM payments p
		LEFT JOIN payment_metadata m ON m.payment_id = p.id
		LEFT JOIN payment_details_token t ON t.payment_id = p.id
		WHERE (m.parent_payment_id IS NULL)`
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(req.TypeFilter) > 0 {
		placeholders := make([]string, 0, len(req.TypeFilter))
		for t := range req.TypeFilter {
			placeholders = append(placeholders, arg(t))
		}
		query += " AND p.payment_type IN (" + strings.Join(placeholders, ",") + ")"
	}
	if len(req.StatusFilter) > 0 {
		placeholders := make([]string, 0, len(req.StatusFilter))
		for st := range req.StatusFilter {
			placeholders = append(placeholders, arg(st))
		}
		query += " AND p.status IN (" + strings.Join(placeholders, ",") + ")"
	}
	if req.FromTimestamp != nil {
		query += " AND p.timestamp >= " + arg(*req.FromTimestamp)
	}
	if req.ToTimestamp != nil {
		query += " AND p.timestamp < " + arg(*req.ToTimestamp)
	}
	if req.AssetFilter != nil {
		switch {
		case req.AssetFilter.Bitcoin:
			query += " AND t.payment_id IS NULL"
		case req.AssetFilter.Token && req.AssetFilter.TokenIdentifier != nil:
			query += " AND t.token_identifier = " + arg(*req.AssetFilter.TokenIdentifier)
		case req.AssetFilter.Token:
			query += " AND t.payment_id IS NOT NULL"
		}
	}

	order := "DESC"
	if req.SortAscending {
		order = "ASC"
	}
	query += fmt.Sprintf(" ORDER BY p.timestamp %s", order)

	if req.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %s OFFSET %s", arg(req.Limit), arg(req.Offset))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classifyExecError(err)
	}
	defer rows.Close()

	var result []persist.Payment
	for rows.Next() {
		p, err := s.scanPaymentRow(rows)
		if err != nil {
			return nil, classifyExecError(err)
		}
		if err := s.hydrate(ctx, &p); err != nil {
			return nil, err
		}
		if !matchesDetailsFilter(p, req.PaymentDetailsFilter) {
			continue
		}
		result = append(result, p)
	}
	return result, classifyExecError(rows.Err())
}

func matchesDetailsFilter(p persist.Payment, filters []persist.PaymentDetailsFilter) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if f.Spark != nil && p.SparkDetail != nil && matchesSparkFilter(p, *f.Spark) {
			return true
		}
		if f.Token != nil && p.Token != nil && matchesTokenFilter(p, *f.Token) {
			return true
		}
	}
	return false
}

func matchesSparkFilter(p persist.Payment, f persist.SparkDetailsFilter) bool {
	if len(f.HtlcStatus) > 0 {
		if p.SparkDetail.HtlcStatus == nil {
			return false
		}
		found := false
		for _, st := range f.HtlcStatus {
			if st == *p.SparkDetail.HtlcStatus {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.ConversionRefundNeeded != nil && !matchesConversionRefundNeeded(p, *f.ConversionRefundNeeded) {
		return false
	}
	return true
}

func matchesTokenFilter(p persist.Payment, f persist.TokenDetailsFilter) bool {
	if f.TxHash != nil && p.Token.TxHash != *f.TxHash {
		return false
	}
	if f.TxType != nil && p.Token.TxType != *f.TxType {
		return false
	}
	if f.ConversionRefundNeeded != nil && !matchesConversionRefundNeeded(p, *f.ConversionRefundNeeded) {
		return false
	}
	return true
}

func matchesConversionRefundNeeded(p persist.Payment, want bool) bool {
	hasConversion := p.Metadata != nil && p.Metadata.ConversionInfo != nil
	if !hasConversion {
		return false
	}
	return (p.Metadata.ConversionInfo.Status == persist.ConversionRefundNeeded) == want
}

// SetLnurlReceiveMetadata upserts the nostr zap context for a received
// LNURL-pay, keyed by Lightning payment hash.
func (s *Store) SetLnurlReceiveMetadata(ctx context.Context, m persist.LnurlReceiveMetadata) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO lnurl_receive_metadata (payment_hash, nostr_zap_request, nostr_zap_receipt, sender_comment)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (payment_hash) DO UPDATE SET
			nostr_zap_request = COALESCE(excluded.nostr_zap_request, lnurl_receive_metadata.nostr_zap_request),
			nostr_zap_receipt = COALESCE(excluded.nostr_zap_receipt, lnurl_receive_metadata.nostr_zap_receipt),
			sender_comment = COALESCE(excluded.sender_comment, lnurl_receive_metadata.sender_comment)
	`, m.PaymentHash, m.NostrZapRequest, m.NostrZapReceipt, m.SenderComment)
	return classifyExecError(err)
}

// GetLnurlReceiveMetadata returns the row for paymentHash, or nil if absent.
func (s *Store) GetLnurlReceiveMetadata(ctx context.Context, paymentHash string) (*persist.LnurlReceiveMetadata, error) {
	var m persist.LnurlReceiveMetadata
	row := s.pool.QueryRow(ctx, `SELECT payment_hash, nostr_zap_request, nostr_zap_receipt, sender_comment FROM lnurl_receive_metadata WHERE payment_hash = $1`, paymentHash)
	if err := row.Scan(&m.PaymentHash, &m.NostrZapRequest, &m.NostrZapReceipt, &m.SenderComment); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, classifyExecError(err)
	}
	return &m, nil
}

// AddDeposit is create-if-absent.
func (s *Store) AddDeposit(ctx context.Context, txId string, vout uint32, amountSats uint64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO unclaimed_deposits (txid, vout, amount_sats) VALUES ($1, $2, $3)
		ON CONFLICT (txid, vout) DO NOTHING
	`, txId, vout, amountSats)
	return classifyExecError(err)
}

// UpdateDeposit applies payload's claim-error or refund columns.
func (s *Store) UpdateDeposit(ctx context.Context, txId string, vout uint32, payload persist.UpdateDepositPayload) error {
	var err error
	switch {
	case payload.ClaimError != nil:
		_, err = s.pool.Exec(ctx, `UPDATE unclaimed_deposits SET claim_error = $1 WHERE txid = $2 AND vout = $3`, *payload.ClaimError, txId, vout)
	case payload.Refund != nil:
		_, err = s.pool.Exec(ctx, `UPDATE unclaimed_deposits SET refund_tx_id = $1, refund_tx = $2 WHERE txid = $3 AND vout = $4`,
			payload.Refund.RefundTxId, payload.Refund.RefundTx, txId, vout)
	}
	return classifyExecError(err)
}

// DeleteDeposit removes the (txid, vout) row.
func (s *Store) DeleteDeposit(ctx context.Context, txId string, vout uint32) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM unclaimed_deposits WHERE txid = $1 AND vout = $2`, txId, vout)
	return classifyExecError(err)
}

// ListDeposits returns every unclaimed deposit.
func (s *Store) ListDeposits(ctx context.Context) ([]persist.DepositInfo, error) {
	rows, err := s.pool.Query(ctx, `SELECT txid, vout, amount_sats, claim_error, refund_tx, refund_tx_id FROM unclaimed_deposits`)
	if err != nil {
		return nil, classifyExecError(err)
	}
	defer rows.Close()

	var result []persist.DepositInfo
	for rows.Next() {
		var d persist.DepositInfo
		if err := rows.Scan(&d.TxId, &d.Vout, &d.AmountSats, &d.ClaimError, &d.RefundTx, &d.RefundTxId); err != nil {
			return nil, classifyExecError(err)
		}
		result = append(result, d)
	}
	return result, classifyExecError(rows.Err())
}

// SetSetting upserts a generic key/value cache entry.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO settings (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`, key, value)
	return classifyExecError(err)
}

// GetSetting returns the value for key, or nil if absent.
func (s *Store) GetSetting(ctx context.Context, key string) (*string, error) {
	var value string
	row := s.pool.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, key)
	if err := row.Scan(&value); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, classifyExecError(err)
	}
	return &value, nil
}
