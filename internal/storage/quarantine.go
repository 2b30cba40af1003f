package storage

import (
	"context"
	"unicode/utf8"

	"github.com/google/uuid"
)

// maxQuarantinedBytes caps the raw payload kept per message.
const maxQuarantinedBytes = 64 << 10

// QuarantineWriter stores feed messages that could not be decoded or
// validated, so they can be inspected without blocking the consumer.
type QuarantineWriter struct {
	client *ClickHouseClient
}

func NewQuarantineWriter(client *ClickHouseClient) *QuarantineWriter {
	return &QuarantineWriter{client: client}
}

// Quarantine stores a single rejected message.
func (qw *QuarantineWriter) Quarantine(ctx context.Context, source string, raw []byte, reason string) error {
	ctx, cancel := context.WithTimeout(ctx, qw.client.queryTimeout())
	defer cancel()

	if err := qw.client.Exec(ctx, `
		INSERT INTO `+tableQuarantine+` (quarantine_id, source, raw_event, reason)
		VALUES (?, ?, ?, ?)
	`, uuid.New(), source, truncatePayload(raw), reason); err != nil {
		return opError("Quarantine", tableQuarantine, ErrQueryFailed, err)
	}
	return nil
}

// truncatePayload cuts raw to the cap on a rune boundary.
func truncatePayload(raw []byte) string {
	if len(raw) <= maxQuarantinedBytes {
		return string(raw)
	}
	cut := maxQuarantinedBytes
	for cut > 0 && !utf8.RuneStart(raw[cut]) {
		cut--
	}
	return string(raw[:cut])
}
