// Package sqlite implements the embedded Storage backend, backed by
// modernc.org/sqlite's pure-Go driver so the SDK never requires cgo.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/sparkwallet/sdk/persist"
)

// Store is the embedded Storage implementation, one SQLite database file
// per wallet.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite database at path and applies
// any migration newer than its current schema version. A migration
// failure is fatal per the package contract: the store is not returned.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, persist.InitializationError(err, "opening sqlite database at %s", path)
	}
	// The embedded backend is single-process; one connection avoids
	// SQLITE_BUSY from concurrent writers within the same process.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return nil, persist.InitializationError(err, "creating schema_migrations table")
	}

	if err := applyMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	log.Infof("opened sqlite storage at %s", path)
	return &Store{db: db}, nil
}

func applyMigrations(ctx context.Context, db *sql.DB) error {
	var current int
	row := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`)
	if err := row.Scan(&current); err != nil {
		return persist.InitializationError(err, "reading schema version")
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return persist.InitializationError(err, "beginning migration %d", m.Version)
		}
		for _, stmt := range m.Statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				tx.Rollback()
				return persist.InitializationError(err, "applying migration %d", m.Version)
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES (?, strftime('%s','now'))`, m.Version); err != nil {
			tx.Rollback()
			return persist.InitializationError(err, "recording migration %d", m.Version)
		}
		if err := tx.Commit(); err != nil {
			return persist.InitializationError(err, "committing migration %d", m.Version)
		}
		log.Infof("applied migration %d: %s", m.Version, m.Description)
	}
	return nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
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
	return string(b), nil
}

func unmarshalJSON(raw sql.NullString, v interface{}) error {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw.String), v); err != nil {
		return persist.SerializationError(err)
	}
	return nil
}

func classifyExecError(err error) error {
	if err == nil {
		return nil
	}
	if err == sql.ErrConnDone || err == sql.ErrTxDone {
		return persist.ConnectionError(err)
	}
	return persist.ImplementationErrorWrap(err, "sqlite query failed")
}

// InsertPayment upserts a payment row by id, with its per-rail detail rows
// upserted using field-level COALESCE on optional columns per §4.4.3: a
// later insert that omits an optional field must not clear a previously
// stored value.
func (s *Store) InsertPayment(ctx context.Context, payment persist.Payment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyExecError(err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO payments (id, payment_type, status, amount, fees, timestamp, method, withdraw_tx_id, deposit_tx_id, spark)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
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
		_, err = tx.ExecContext(ctx, `
			INSERT INTO payment_details_lightning (payment_id, invoice, payment_hash, preimage, htlc_status)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(payment_id) DO UPDATE SET
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
		_, err = tx.ExecContext(ctx, `
			INSERT INTO payment_details_token (payment_id, tx_hash, tx_type, token_identifier)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(payment_id) DO UPDATE SET
				tx_hash = excluded.tx_hash,
				tx_type = excluded.tx_type,
				token_identifier = excluded.token_identifier
		`, d.PaymentId, d.TxHash, d.TxType, d.TokenIdentifier)
		if err != nil {
			return classifyExecError(err)
		}
	}

	if d := payment.SparkDetail; d != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO payment_details_spark (payment_id, htlc_status)
			VALUES (?, ?)
			ON CONFLICT(payment_id) DO UPDATE SET
				htlc_status = COALESCE(excluded.htlc_status, payment_details_spark.htlc_status)
		`, d.PaymentId, d.HtlcStatus)
		if err != nil {
			return classifyExecError(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return classifyExecError(err)
	}
	return nil
}

// InsertPaymentMetadata upserts by payment_id with COALESCE semantics:
// every None field in metadata preserves the existing stored value.
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

	_, execErr := s.db.ExecContext(ctx, `
		INSERT INTO payment_metadata (payment_id, parent_payment_id, lnurl_pay_info, lnurl_withdraw_info, lnurl_description, conversion_info)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(payment_id) DO UPDATE SET
			parent_payment_id = COALESCE(excluded.parent_payment_id, payment_metadata.parent_payment_id),
			lnurl_pay_info = COALESCE(excluded.lnurl_pay_info, payment_metadata.lnurl_pay_info),
			lnurl_withdraw_info = COALESCE(excluded.lnurl_withdraw_info, payment_metadata.lnurl_withdraw_info),
			lnurl_description = COALESCE(excluded.lnurl_description, payment_metadata.lnurl_description),
			conversion_info = COALESCE(excluded.conversion_info, payment_metadata.conversion_info)
	`, metadata.PaymentId, metadata.ParentPaymentId, lnurlPay, lnurlWithdraw, metadata.LnurlDescription, conversion)
	return classifyExecError(execErr)
}

func (s *Store) scanPayment(ctx context.Context, rows interface {
	Scan(dest ...interface{}) error
}) (persist.Payment, error) {
	var p persist.Payment
	if err := rows.Scan(&p.Id, &p.PaymentType, &p.Status, &p.AmountSats, &p.FeesSats, &p.Timestamp,
		&p.Method, &p.WithdrawTxId, &p.DepositTxId, &p.Spark); err != nil {
		return p, classifyExecError(err)
	}
	return p, nil
}

func (s *Store) hydrate(ctx context.Context, p *persist.Payment) error {
	var metaRaw struct {
		parent, lnurlPay, lnurlWithdraw, lnurlDesc, conversion sql.NullString
	}
	row := s.db.QueryRowContext(ctx, `SELECT parent_payment_id, lnurl_pay_info, lnurl_withdraw_info, lnurl_description, conversion_info FROM payment_metadata WHERE payment_id = ?`, p.Id)
	if err := row.Scan(&metaRaw.parent, &metaRaw.lnurlPay, &metaRaw.lnurlWithdraw, &metaRaw.lnurlDesc, &metaRaw.conversion); err == nil {
		m := &persist.PaymentMetadata{PaymentId: p.Id}
		if metaRaw.parent.Valid {
			m.ParentPaymentId = &metaRaw.parent.String
		}
		if metaRaw.lnurlDesc.Valid {
			m.LnurlDescription = &metaRaw.lnurlDesc.String
		}
		if err := unmarshalJSON(metaRaw.lnurlPay, &m.LnurlPayInfo); err != nil {
			return err
		}
		if err := unmarshalJSON(metaRaw.lnurlWithdraw, &m.LnurlWithdrawInfo); err != nil {
			return err
		}
		if err := unmarshalJSON(metaRaw.conversion, &m.ConversionInfo); err != nil {
			return err
		}
		p.Metadata = m
	} else if err != sql.ErrNoRows {
		return classifyExecError(err)
	}

	switch p.Method {
	case persist.MethodBolt11Invoice:
		var d persist.LightningDetails
		var preimage sql.NullString
		row := s.db.QueryRowContext(ctx, `SELECT payment_id, invoice, payment_hash, preimage, htlc_status FROM payment_details_lightning WHERE payment_id = ?`, p.Id)
		if err := row.Scan(&d.PaymentId, &d.Invoice, &d.PaymentHash, &preimage, &d.HtlcStatus); err == nil {
			if preimage.Valid {
				d.Preimage = &preimage.String
			}
			p.Lightning = &d
		} else if err != sql.ErrNoRows {
			return classifyExecError(err)
		}
	case persist.MethodToken:
		var d persist.TokenDetails
		row := s.db.QueryRowContext(ctx, `SELECT payment_id, tx_hash, tx_type, token_identifier FROM payment_details_token WHERE payment_id = ?`, p.Id)
		if err := row.Scan(&d.PaymentId, &d.TxHash, &d.TxType, &d.TokenIdentifier); err == nil {
			p.Token = &d
		} else if err != sql.ErrNoRows {
			return classifyExecError(err)
		}
	case persist.MethodSparkAddress:
		var d persist.SparkDetails
		var htlcStatus sql.NullString
		row := s.db.QueryRowContext(ctx, `SELECT payment_id, htlc_status FROM payment_details_spark WHERE payment_id = ?`, p.Id)
		if err := row.Scan(&d.PaymentId, &htlcStatus); err == nil {
			if htlcStatus.Valid {
				status := persist.HtlcStatus(htlcStatus.String)
				d.HtlcStatus = &status
			}
			p.SparkDetail = &d
		} else if err != sql.ErrNoRows {
			return classifyExecError(err)
		}
	}

	return nil
}

// GetPaymentById returns the payment row for id, joined with its detail
// and metadata, or nil if absent. Unlike ListPayments, child rows (those
// with a non-null parent_payment_id) are not hidden.
func (s *Store) GetPaymentById(ctx context.Context, id string) (*persist.Payment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, payment_type, status, amount, fees, timestamp, method, withdraw_tx_id, deposit_tx_id, spark FROM payments WHERE id = ?`, id)
	p, err := s.scanPayment(ctx, row)
	if err != nil {
		if errNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	if err := s.hydrate(ctx, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func errNoRows(err error) bool {
	se, ok := err.(*persist.StorageError)
	return ok && se.Cause == sql.ErrNoRows
}

// GetPaymentsByParentIds returns, for each given parent id, its child rows
// (those whose metadata.parent_payment_id equals that parent).
func (s *Store) GetPaymentsByParentIds(ctx context.Context, parentIds []string) (map[string][]persist.Payment, error) {
	result := make(map[string][]persist.Payment)
	if len(parentIds) == 0 {
		return result, nil
	}
	placeholders := make([]interface{}, len(parentIds))
	query := `SELECT p.id, p.payment_type, p.status, p.amount, p.fees, p.timestamp, p.method, p.withdraw_tx_id, p.deposit_tx_id, p.spark, m.parent_payment_id
		FROM payments p JOIN payment_metadata m ON m.payment_id = p.id
		WHERE m.parent_payment_id IN (` + placeholdersList(len(parentIds)) + `)`
	for i, id := range parentIds {
		placeholders[i] = id
	}
	rows, err := s.db.QueryContext(ctx, query, placeholders...)
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

func placeholdersList(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			s += ","
		}
		s += "?"
	}
	return s
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

	if len(req.TypeFilter) > 0 {
		query += " AND p.payment_type IN (" + placeholdersList(len(req.TypeFilter)) + ")"
		for t := range req.TypeFilter {
			args = append(args, t)
		}
	}
	if len(req.StatusFilter) > 0 {
		query += " AND p.status IN (" + placeholdersList(len(req.StatusFilter)) + ")"
		for st := range req.StatusFilter {
			args = append(args, st)
		}
	}
	if req.FromTimestamp != nil {
		query += " AND p.timestamp >= ?"
		args = append(args, *req.FromTimestamp)
	}
	if req.ToTimestamp != nil {
		query += " AND p.timestamp < ?"
		args = append(args, *req.ToTimestamp)
	}
	if req.AssetFilter != nil {
		switch {
		case req.AssetFilter.Bitcoin:
			query += " AND t.payment_id IS NULL"
		case req.AssetFilter.Token && req.AssetFilter.TokenIdentifier != nil:
			query += " AND t.token_identifier = ?"
			args = append(args, *req.AssetFilter.TokenIdentifier)
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
		query += " LIMIT ? OFFSET ?"
		args = append(args, req.Limit, req.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifyExecError(err)
	}
	defer rows.Close()

	var result []persist.Payment
	for rows.Next() {
		var p persist.Payment
		if err := rows.Scan(&p.Id, &p.PaymentType, &p.Status, &p.AmountSats, &p.FeesSats, &p.Timestamp,
			&p.Method, &p.WithdrawTxId, &p.DepositTxId, &p.Spark); err != nil {
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
		if f.Spark != nil && p.SparkDetail != nil {
			if matchesSparkFilter(p, *f.Spark) {
				return true
			}
		}
		if f.Token != nil && p.Token != nil {
			if matchesTokenFilter(p, *f.Token) {
				return true
			}
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
	if f.ConversionRefundNeeded != nil {
		if !matchesConversionRefundNeeded(p, *f.ConversionRefundNeeded) {
			return false
		}
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
	if f.ConversionRefundNeeded != nil {
		if !matchesConversionRefundNeeded(p, *f.ConversionRefundNeeded) {
			return false
		}
	}
	return true
}

func matchesConversionRefundNeeded(p persist.Payment, want bool) bool {
	hasConversion := p.Metadata != nil && p.Metadata.ConversionInfo != nil
	if !hasConversion {
		return false
	}
	isRefundNeeded := p.Metadata.ConversionInfo.Status == persist.ConversionRefundNeeded
	return isRefundNeeded == want
}

// SetLnurlReceiveMetadata upserts the nostr zap context for a received
// LNURL-pay, keyed by Lightning payment hash.
func (s *Store) SetLnurlReceiveMetadata(ctx context.Context, m persist.LnurlReceiveMetadata) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO lnurl_receive_metadata (payment_hash, nostr_zap_request, nostr_zap_receipt, sender_comment)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(payment_hash) DO UPDATE SET
			nostr_zap_request = COALESCE(excluded.nostr_zap_request, lnurl_receive_metadata.nostr_zap_request),
			nostr_zap_receipt = COALESCE(excluded.nostr_zap_receipt, lnurl_receive_metadata.nostr_zap_receipt),
			sender_comment = COALESCE(excluded.sender_comment, lnurl_receive_metadata.sender_comment)
	`, m.PaymentHash, m.NostrZapRequest, m.NostrZapReceipt, m.SenderComment)
	return classifyExecError(err)
}

// GetLnurlReceiveMetadata returns the row for paymentHash, or nil if absent.
func (s *Store) GetLnurlReceiveMetadata(ctx context.Context, paymentHash string) (*persist.LnurlReceiveMetadata, error) {
	var m persist.LnurlReceiveMetadata
	var req, receipt, comment sql.NullString
	row := s.db.QueryRowContext(ctx, `SELECT payment_hash, nostr_zap_request, nostr_zap_receipt, sender_comment FROM lnurl_receive_metadata WHERE payment_hash = ?`, paymentHash)
	if err := row.Scan(&m.PaymentHash, &req, &receipt, &comment); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, classifyExecError(err)
	}
	if req.Valid {
		m.NostrZapRequest = &req.String
	}
	if receipt.Valid {
		m.NostrZapReceipt = &receipt.String
	}
	if comment.Valid {
		m.SenderComment = &comment.String
	}
	return &m, nil
}

// AddDeposit is create-if-absent: a second call for the same (txid, vout)
// is a no-op.
func (s *Store) AddDeposit(ctx context.Context, txId string, vout uint32, amountSats uint64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO unclaimed_deposits (txid, vout, amount_sats) VALUES (?, ?, ?)
		ON CONFLICT(txid, vout) DO NOTHING
	`, txId, vout, amountSats)
	return classifyExecError(err)
}

// UpdateDeposit applies payload's claim-error or refund columns, each
// preserving the columns the other branch owns.
func (s *Store) UpdateDeposit(ctx context.Context, txId string, vout uint32, payload persist.UpdateDepositPayload) error {
	var err error
	switch {
	case payload.ClaimError != nil:
		_, err = s.db.ExecContext(ctx, `UPDATE unclaimed_deposits SET claim_error = ? WHERE txid = ? AND vout = ?`, *payload.ClaimError, txId, vout)
	case payload.Refund != nil:
		_, err = s.db.ExecContext(ctx, `UPDATE unclaimed_deposits SET refund_tx_id = ?, refund_tx = ? WHERE txid = ? AND vout = ?`,
			payload.Refund.RefundTxId, payload.Refund.RefundTx, txId, vout)
	}
	return classifyExecError(err)
}

// DeleteDeposit removes the (txid, vout) row.
func (s *Store) DeleteDeposit(ctx context.Context, txId string, vout uint32) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM unclaimed_deposits WHERE txid = ? AND vout = ?`, txId, vout)
	return classifyExecError(err)
}

// ListDeposits returns every unclaimed deposit.
func (s *Store) ListDeposits(ctx context.Context) ([]persist.DepositInfo, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT txid, vout, amount_sats, claim_error, refund_tx, refund_tx_id FROM unclaimed_deposits`)
	if err != nil {
		return nil, classifyExecError(err)
	}
	defer rows.Close()

	var result []persist.DepositInfo
	for rows.Next() {
		var d persist.DepositInfo
		var claimErr, refundTx, refundTxId sql.NullString
		if err := rows.Scan(&d.TxId, &d.Vout, &d.AmountSats, &claimErr, &refundTx, &refundTxId); err != nil {
			return nil, classifyExecError(err)
		}
		if claimErr.Valid {
			d.ClaimError = &claimErr.String
		}
		if refundTx.Valid {
			d.RefundTx = &refundTx.String
		}
		if refundTxId.Valid {
			d.RefundTxId = &refundTxId.String
		}
		result = append(result, d)
	}
	return result, classifyExecError(rows.Err())
}

// SetSetting upserts a generic key/value cache entry.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return classifyExecError(err)
}

// GetSetting returns the value for key, or nil if absent.
func (s *Store) GetSetting(ctx context.Context, key string) (*string, error) {
	var value string
	row := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key)
	if err := row.Scan(&value); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, classifyExecError(err)
	}
	return &value, nil
}
