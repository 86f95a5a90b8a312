package postgres

import (
	"context"

	"github.com/jackc/pgx/v4"

	"github.com/sparkwallet/sdk/persist"
)

// AddOutgoingChange queues a local mutation, assigning it
// max(existing local_revision for this record)+1.
func (s *Store) AddOutgoingChange(ctx context.Context, change persist.UnversionedRecordChange) (uint64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, classifyExecError(err)
	}
	defer tx.Rollback(ctx)

	var next uint64
	row := tx.QueryRow(ctx, `SELECT COALESCE(MAX(local_revision), 0) + 1 FROM sync_outgoing WHERE record_type = $1 AND data_id = $2`,
		change.RecordType, change.DataId)
	if err := row.Scan(&next); err != nil {
		return 0, classifyExecError(err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO sync_outgoing (record_type, data_id, schema_version, updated_fields, local_revision)
		VALUES ($1, $2, $3, $4, $5)
	`, change.RecordType, change.DataId, change.SchemaVersion, change.UpdatedFields, next)
	if err != nil {
		return 0, classifyExecError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, classifyExecError(err)
	}
	return next, nil
}

// GetPendingOutgoingChanges returns up to limit queued mutations in
// ascending local_revision order, each paired with the last-known
// committed parent state from sync_state, if any.
func (s *Store) GetPendingOutgoingChanges(ctx context.Context, limit int) ([]persist.OutgoingChange, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT o.record_type, o.data_id, o.schema_version, o.updated_fields, o.local_revision,
			st.data, st.revision
		FROM sync_outgoing o
		LEFT JOIN sync_state st ON st.record_type = o.record_type AND st.data_id = o.data_id
		ORDER BY o.local_revision ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, classifyExecError(err)
	}
	defer rows.Close()

	var result []persist.OutgoingChange
	for rows.Next() {
		var c persist.OutgoingChange
		var parentData []byte
		var parentRevision *int64
		if err := rows.Scan(&c.Change.RecordType, &c.Change.DataId, &c.Change.SchemaVersion,
			&c.Change.UpdatedFields, &c.Change.LocalRevision, &parentData, &parentRevision); err != nil {
			return nil, classifyExecError(err)
		}
		if parentRevision != nil {
			c.Parent = &persist.Record{
				RecordId: persist.RecordId{
					RecordType:    c.Change.RecordType,
					DataId:        c.Change.DataId,
					SchemaVersion: c.Change.SchemaVersion,
				},
				Data:     parentData,
				Revision: uint64(*parentRevision),
			}
		}
		result = append(result, c)
	}
	return result, classifyExecError(rows.Err())
}

// GetLatestOutgoingChange returns the highest-local_revision queued
// mutation, or nil if the queue is empty.
func (s *Store) GetLatestOutgoingChange(ctx context.Context) (*persist.OutgoingChange, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT o.record_type, o.data_id, o.schema_version, o.updated_fields, o.local_revision,
			st.data, st.revision
		FROM sync_outgoing o
		LEFT JOIN sync_state st ON st.record_type = o.record_type AND st.data_id = o.data_id
		ORDER BY o.local_revision DESC
		LIMIT 1
	`)

	var c persist.OutgoingChange
	var parentData []byte
	var parentRevision *int64
	if err := row.Scan(&c.Change.RecordType, &c.Change.DataId, &c.Change.SchemaVersion,
		&c.Change.UpdatedFields, &c.Change.LocalRevision, &parentData, &parentRevision); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, classifyExecError(err)
	}
	if parentRevision != nil {
		c.Parent = &persist.Record{
			RecordId: persist.RecordId{
				RecordType:    c.Change.RecordType,
				DataId:        c.Change.DataId,
				SchemaVersion: c.Change.SchemaVersion,
			},
			Data:     parentData,
			Revision: uint64(*parentRevision),
		}
	}
	return &c, nil
}

// CompleteOutgoingSync removes the completed queue entry at localRevision,
// upserts sync_state with the newly-committed record, and advances the
// singleton sync_revision counter to the greater of its current value and
// the committed record's revision.
func (s *Store) CompleteOutgoingSync(ctx context.Context, committed persist.Record, localRevision uint64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classifyExecError(err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM sync_outgoing WHERE record_type = $1 AND data_id = $2 AND local_revision = $3`,
		committed.RecordType, committed.DataId, localRevision); err != nil {
		return classifyExecError(err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO sync_state (record_type, data_id, schema_version, data, revision)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (record_type, data_id) DO UPDATE SET
			schema_version = excluded.schema_version,
			data = excluded.data,
			revision = excluded.revision
	`, committed.RecordType, committed.DataId, committed.SchemaVersion, committed.Data, committed.Revision); err != nil {
		return classifyExecError(err)
	}

	if _, err := tx.Exec(ctx, `UPDATE sync_revision SET revision = GREATEST(revision, $1) WHERE id = 1`, committed.Revision); err != nil {
		return classifyExecError(err)
	}

	return classifyExecError(tx.Commit(ctx))
}

// InsertIncomingRecords upserts freshly-received remote records into the
// incoming staging table, keyed by (type, data_id, revision).
func (s *Store) InsertIncomingRecords(ctx context.Context, records []persist.Record) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classifyExecError(err)
	}
	defer tx.Rollback(ctx)

	for _, r := range records {
		if _, err := tx.Exec(ctx, `
			INSERT INTO sync_incoming (record_type, data_id, schema_version, data, revision)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (record_type, data_id, revision) DO UPDATE SET
				schema_version = excluded.schema_version,
				data = excluded.data
		`, r.RecordType, r.DataId, r.SchemaVersion, r.Data, r.Revision); err != nil {
			return classifyExecError(err)
		}
	}

	return classifyExecError(tx.Commit(ctx))
}

// GetIncomingRecords returns up to limit staged remote records in
// ascending revision order, each paired with the previously-known local
// state from sync_state, if any.
func (s *Store) GetIncomingRecords(ctx context.Context, limit int) ([]persist.IncomingChange, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT i.record_type, i.data_id, i.schema_version, i.data, i.revision,
			st.data, st.schema_version, st.revision
		FROM sync_incoming i
		LEFT JOIN sync_state st ON st.record_type = i.record_type AND st.data_id = i.data_id
		ORDER BY i.revision ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, classifyExecError(err)
	}
	defer rows.Close()

	var result []persist.IncomingChange
	for rows.Next() {
		var c persist.IncomingChange
		var oldData []byte
		var oldSchemaVersion *int
		var oldRevision *int64
		if err := rows.Scan(&c.NewState.RecordType, &c.NewState.DataId, &c.NewState.SchemaVersion,
			&c.NewState.Data, &c.NewState.Revision, &oldData, &oldSchemaVersion, &oldRevision); err != nil {
			return nil, classifyExecError(err)
		}
		if oldRevision != nil {
			c.OldState = &persist.Record{
				RecordId: persist.RecordId{
					RecordType:    c.NewState.RecordType,
					DataId:        c.NewState.DataId,
					SchemaVersion: *oldSchemaVersion,
				},
				Data:     oldData,
				Revision: uint64(*oldRevision),
			}
		}
		result = append(result, c)
	}
	return result, classifyExecError(rows.Err())
}

// UpdateRecordFromIncoming applies a staged remote record as the new
// committed local state.
func (s *Store) UpdateRecordFromIncoming(ctx context.Context, record persist.Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_state (record_type, data_id, schema_version, data, revision)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (record_type, data_id) DO UPDATE SET
			schema_version = excluded.schema_version,
			data = excluded.data,
			revision = excluded.revision
	`, record.RecordType, record.DataId, record.SchemaVersion, record.Data, record.Revision)
	return classifyExecError(err)
}

// DeleteIncomingRecord removes a staged remote record once it has been
// durably applied.
func (s *Store) DeleteIncomingRecord(ctx context.Context, record persist.Record) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sync_incoming WHERE record_type = $1 AND data_id = $2 AND revision = $3`,
		record.RecordType, record.DataId, record.Revision)
	return classifyExecError(err)
}

// GetLastRevision returns the singleton sync cursor's current value.
func (s *Store) GetLastRevision(ctx context.Context) (uint64, error) {
	var revision uint64
	row := s.pool.QueryRow(ctx, `SELECT revision FROM sync_revision WHERE id = 1`)
	if err := row.Scan(&revision); err != nil {
		return 0, classifyExecError(err)
	}
	return revision, nil
}
