package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// EventChannel is the Postgres NOTIFY channel carrying broker events to SSE
// subscribers across instances.
const EventChannel = "chittybroker_events"

// Listen subscribes the dedicated notify connection to the event channel.
// Returns an error when no notify connection was configured.
func (db *DB) Listen(ctx context.Context) error {
	if db.notifyConn == nil {
		return fmt.Errorf("storage: notify connection not configured")
	}
	if _, err := db.notifyConn.Exec(ctx, `LISTEN `+EventChannel); err != nil {
		return fmt.Errorf("storage: listen %s: %w", EventChannel, err)
	}
	return nil
}

// WaitForNotification blocks until a notification arrives on the dedicated
// connection or the context is cancelled.
func (db *DB) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	if db.notifyConn == nil {
		return nil, fmt.Errorf("storage: notify connection not configured")
	}
	return db.notifyConn.WaitForNotification(ctx)
}

// NotifyEvent publishes an event on the broker channel via pg_notify so every
// instance's SSE broker sees it. Delivery is at-most-once.
func (db *DB) NotifyEvent(ctx context.Context, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("storage: marshal event: %w", err)
	}
	if _, err := db.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, EventChannel, string(payload)); err != nil {
		return fmt.Errorf("storage: notify event: %w", err)
	}
	return nil
}
