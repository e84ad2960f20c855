// Copyright 2025 Hanibal Sk
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"database/sql"
	"time"
)

// AuditRecord is one append-only entry of the audit trail. Immutable once
// written; every persisted state transition produces exactly one.
type AuditRecord struct {
	ID         int64
	EntityType string
	EntityID   string
	Action     string
	OldValue   string
	NewValue   string
	CreatedAt  time.Time
}

// writeAudit appends an audit record inside the caller's transaction. Every
// mutation helper in this package calls it so the record commits or rolls
// back together with the write it describes.
func writeAudit(tx *sql.Tx, entityType, entityID, action, oldValue, newValue string) error {
	_, err := tx.Exec(`
INSERT INTO audit_log (entity_type, entity_id, action, old_value, new_value, created_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		entityType, entityID, action, nullString(oldValue), nullString(newValue), now())
	if err != nil {
		return WrapError(KindInfrastructure, err, "failed to write audit record")
	}
	return nil
}

// ListAudit returns audit records for an entity, oldest first. A zero limit
// returns all records.
func (s *Store) ListAudit(ctx context.Context, entityType, entityID string, limit int) ([]*AuditRecord, error) {
	query := `
SELECT id, entity_type, entity_id, action, old_value, new_value, created_at
FROM audit_log
WHERE entity_type = ? AND entity_id = ?
ORDER BY id ASC`
	args := []interface{}{entityType, entityID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, WrapError(KindInfrastructure, err, "failed to query audit log")
	}
	defer rows.Close()

	var records []*AuditRecord
	for rows.Next() {
		var r AuditRecord
		var oldVal, newVal sql.NullString
		if err := rows.Scan(&r.ID, &r.EntityType, &r.EntityID, &r.Action, &oldVal, &newVal, &r.CreatedAt); err != nil {
			return nil, WrapError(KindInfrastructure, err, "failed to scan audit record")
		}
		r.OldValue = oldVal.String
		r.NewValue = newVal.String
		records = append(records, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, WrapError(KindInfrastructure, err, "error iterating audit records")
	}

	return records, nil
}

// CountAudit returns the number of audit records for an entity.
func (s *Store) CountAudit(ctx context.Context, entityType, entityID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_log WHERE entity_type = ? AND entity_id = ?`,
		entityType, entityID).Scan(&n)
	if err != nil {
		return 0, WrapError(KindInfrastructure, err, "failed to count audit records")
	}
	return n, nil
}
