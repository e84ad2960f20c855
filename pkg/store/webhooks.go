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

// WebhookStatus is the processing state of a durable webhook event.
type WebhookStatus string

const (
	WebhookPending    WebhookStatus = "pending"
	WebhookProcessing WebhookStatus = "processing"
	WebhookCompleted  WebhookStatus = "completed"
	WebhookFailed     WebhookStatus = "failed"
	WebhookDeadLetter WebhookStatus = "dead_letter"
)

// WebhookEvent is one durable webhook delivery. The delivery_id unique
// constraint gives at-most-once handler semantics.
type WebhookEvent struct {
	ID          int64         `json:"id"`
	DeliveryID  string        `json:"delivery_id"`
	EventType   string        `json:"event_type"`
	Action      string        `json:"action"`
	Payload     string        `json:"payload"`
	Status      WebhookStatus `json:"status"`
	RetryCount  int           `json:"retry_count"`
	MaxRetries  int           `json:"max_retries"`
	ErrorText   string        `json:"error_text,omitempty"`
	NextRetryAt time.Time     `json:"next_retry_at"`
	ReceivedAt  time.Time     `json:"received_at"`
	ProcessedAt time.Time     `json:"processed_at,omitempty"`
}

// RetryInterval computes the exponential backoff for the nth retry:
// min(cap, 2^n seconds). Monotone in n.
func RetryInterval(n int, cap time.Duration) time.Duration {
	d := time.Second
	for i := 0; i < n; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}

// InsertWebhookEvent durably records a delivery. Idempotent on delivery_id:
// on conflict it returns the existing row's id with no side effects, so a
// redelivered webhook never spawns duplicate work.
func (s *Store) InsertWebhookEvent(ctx context.Context, ev *WebhookEvent) (int64, bool, error) {
	if ev.DeliveryID == "" {
		return 0, false, NewError(KindValidation, "delivery id is required")
	}
	if ev.EventType == "" {
		return 0, false, NewError(KindValidation, "event type is required")
	}
	if ev.MaxRetries == 0 {
		ev.MaxRetries = 5
	}

	ts := now()
	ev.Status = WebhookPending
	ev.ReceivedAt = ts
	ev.NextRetryAt = ts

	var id int64
	var inserted bool
	err := s.InTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`
INSERT INTO webhook_events (delivery_id, event_type, action, payload, status, max_retries, next_retry_at, received_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(delivery_id) DO NOTHING`,
			ev.DeliveryID, ev.EventType, ev.Action, ev.Payload, ev.Status,
			ev.MaxRetries, ev.NextRetryAt, ev.ReceivedAt)
		if err != nil {
			return WrapError(KindInfrastructure, err, "failed to insert webhook event")
		}

		if n, _ := res.RowsAffected(); n > 0 {
			id, _ = res.LastInsertId()
			inserted = true
			return writeAudit(tx, "webhook_event", ev.DeliveryID, "received", "", ev.EventType)
		}

		// Duplicate delivery: hand back the existing row.
		err = tx.QueryRow(`SELECT id FROM webhook_events WHERE delivery_id = ?`, ev.DeliveryID).Scan(&id)
		if err != nil {
			return WrapError(KindInfrastructure, err, "failed to read existing webhook event")
		}
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	ev.ID = id
	return id, inserted, nil
}

// ClaimPendingWebhookEvents atomically moves up to batchSize due pending
// events to processing and returns them, ordered by next_retry_at.
func (s *Store) ClaimPendingWebhookEvents(ctx context.Context, batchSize int, nowTime time.Time) ([]*WebhookEvent, error) {
	if batchSize < 1 {
		return nil, NewError(KindValidation, "batch size must be at least 1")
	}

	var events []*WebhookEvent
	err := s.InTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.Query(`
SELECT id, delivery_id, event_type, action, payload, status, retry_count, max_retries, error_text, next_retry_at, received_at, processed_at
FROM webhook_events
WHERE status = ? AND next_retry_at <= ?
ORDER BY next_retry_at ASC, id ASC
LIMIT ?`, WebhookPending, nowTime.UTC(), batchSize)
		if err != nil {
			return WrapError(KindInfrastructure, err, "failed to query pending events")
		}
		for rows.Next() {
			ev, err := scanWebhookEvent(rows)
			if err != nil {
				rows.Close()
				return err
			}
			events = append(events, ev)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return WrapError(KindInfrastructure, err, "error iterating pending events")
		}

		for _, ev := range events {
			if _, err := tx.Exec(`UPDATE webhook_events SET status = ? WHERE id = ?`,
				WebhookProcessing, ev.ID); err != nil {
				return WrapError(KindInfrastructure, err, "failed to claim event")
			}
			ev.Status = WebhookProcessing
			if err := writeAudit(tx, "webhook_event", ev.DeliveryID, "claimed", string(WebhookPending), string(WebhookProcessing)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

func scanWebhookEvent(rows *sql.Rows) (*WebhookEvent, error) {
	var ev WebhookEvent
	var errorText sql.NullString
	var processedAt sql.NullTime
	if err := rows.Scan(&ev.ID, &ev.DeliveryID, &ev.EventType, &ev.Action, &ev.Payload,
		&ev.Status, &ev.RetryCount, &ev.MaxRetries, &errorText,
		&ev.NextRetryAt, &ev.ReceivedAt, &processedAt); err != nil {
		return nil, WrapError(KindInfrastructure, err, "failed to scan webhook event")
	}
	ev.ErrorText = errorText.String
	ev.ProcessedAt = processedAt.Time
	return &ev, nil
}

// GetWebhookEvent returns a webhook event by delivery id.
func (s *Store) GetWebhookEvent(ctx context.Context, deliveryID string) (*WebhookEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, delivery_id, event_type, action, payload, status, retry_count, max_retries, error_text, next_retry_at, received_at, processed_at
FROM webhook_events WHERE delivery_id = ?`, deliveryID)
	if err != nil {
		return nil, WrapError(KindInfrastructure, err, "failed to query webhook event")
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, WrapError(KindInfrastructure, err, "failed to read webhook event")
		}
		return nil, NewError(KindNotFound, "webhook event not found")
	}
	return scanWebhookEvent(rows)
}

// CompleteWebhookEvent marks a processing event completed. A non-empty reason
// records why a handler skipped the event (policy drops).
func (s *Store) CompleteWebhookEvent(ctx context.Context, id int64, reason string) error {
	return s.InTx(ctx, func(tx *sql.Tx) error {
		var deliveryID string
		err := tx.QueryRow(`SELECT delivery_id FROM webhook_events WHERE id = ?`, id).Scan(&deliveryID)
		if err == sql.ErrNoRows {
			return NewError(KindNotFound, "webhook event not found")
		}
		if err != nil {
			return WrapError(KindInfrastructure, err, "failed to read webhook event")
		}

		_, err = tx.Exec(`
UPDATE webhook_events SET status = ?, error_text = ?, processed_at = ? WHERE id = ?`,
			WebhookCompleted, nullString(reason), now(), id)
		if err != nil {
			return WrapError(KindInfrastructure, err, "failed to complete webhook event")
		}
		return writeAudit(tx, "webhook_event", deliveryID, "completed", "", reason)
	})
}

// FailWebhookEvent schedules a retry with exponential backoff, or moves the
// event to dead_letter once retries are exhausted.
func (s *Store) FailWebhookEvent(ctx context.Context, id int64, cause string, backoffCap time.Duration) error {
	return s.InTx(ctx, func(tx *sql.Tx) error {
		var deliveryID string
		var retryCount, maxRetries int
		err := tx.QueryRow(`SELECT delivery_id, retry_count, max_retries FROM webhook_events WHERE id = ?`, id).
			Scan(&deliveryID, &retryCount, &maxRetries)
		if err == sql.ErrNoRows {
			return NewError(KindNotFound, "webhook event not found")
		}
		if err != nil {
			return WrapError(KindInfrastructure, err, "failed to read webhook event")
		}

		retryCount++
		if retryCount >= maxRetries {
			_, err = tx.Exec(`
UPDATE webhook_events SET status = ?, retry_count = ?, error_text = ?, processed_at = ? WHERE id = ?`,
				WebhookDeadLetter, retryCount, nullString(cause), now(), id)
			if err != nil {
				return WrapError(KindInfrastructure, err, "failed to dead-letter webhook event")
			}
			return writeAudit(tx, "webhook_event", deliveryID, "dead_letter", "", cause)
		}

		nextRetry := now().Add(RetryInterval(retryCount, backoffCap))
		_, err = tx.Exec(`
UPDATE webhook_events SET status = ?, retry_count = ?, error_text = ?, next_retry_at = ? WHERE id = ?`,
			WebhookPending, retryCount, nullString(cause), nextRetry, id)
		if err != nil {
			return WrapError(KindInfrastructure, err, "failed to schedule webhook retry")
		}
		return writeAudit(tx, "webhook_event", deliveryID, "retry_scheduled", "", cause)
	})
}

// InsertDedupKey records a handler-specific natural key (e.g.
// "fixer:7:abc:101"). Returns false when the key was already present, letting
// handlers avoid spawning duplicate work across distinct deliveries.
func (s *Store) InsertDedupKey(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, NewError(KindValidation, "dedup key is required")
	}

	var inserted bool
	err := s.InTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`
INSERT INTO dedup_keys (key, created_at) VALUES (?, ?)
ON CONFLICT(key) DO NOTHING`, key, now())
		if err != nil {
			return WrapError(KindInfrastructure, err, "failed to insert dedup key")
		}
		n, _ := res.RowsAffected()
		inserted = n > 0
		if !inserted {
			return nil
		}
		return writeAudit(tx, "dedup_key", key, "inserted", "", "")
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}
