package storage

import (
	"context"
	"fmt"
	"strings"
)

// packActivationChannel is the pg_notify channel the active_packs trigger
// writes to. The payload is "<tenant_id>:<domain>".
const packActivationChannel = "pack_activations"

// ListenPackActivations holds a dedicated connection on the pack
// activation channel and invokes onActivation for each notification.
// It blocks until ctx ends (returning nil) or the listening connection
// fails (returning the error so the caller can reconnect).
func (db *DB) ListenPackActivations(ctx context.Context, onActivation func(tenantID, domain string)) error {
	conn, err := db.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("storage: acquire listen conn: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+packActivationChannel); err != nil {
		return fmt.Errorf("storage: listen %s: %w", packActivationChannel, err)
	}

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("storage: wait for pack activation: %w", err)
		}
		tenantID, domain, ok := strings.Cut(n.Payload, ":")
		if !ok {
			db.logger.Warn("storage: malformed pack activation payload", "payload", n.Payload)
			continue
		}
		onActivation(tenantID, domain)
	}
}
