// Package view builds the per-subscriber field view of a change event:
// fields the subscriber's role is not entitled to are omitted entirely, and
// fields that fail decryption are withheld rather than passed through as
// ciphertext. Live routing and reconnect replay share this path so a
// subscriber can never see more through one than the other.
package view

import (
	"github.com/rs/zerolog"

	"github.com/chartwise/insight-stream/internal/platform/phi"
	"github.com/chartwise/insight-stream/internal/stream/event"
	"github.com/chartwise/insight-stream/internal/stream/registry"
)

// Build returns the decrypted view of ch for sub.
func Build(gate *phi.Gate, sub *registry.Subscriber, ch *event.Change, logger zerolog.Logger) map[string]string {
	out := make(map[string]string, len(ch.Payload))
	for field, value := range ch.Payload {
		class := phi.ClassifyField(field, ch.PayloadEncrypted)
		if !sub.Entitled(class) {
			continue
		}
		if !ch.PayloadEncrypted {
			out[field] = value
			continue
		}
		plain, err := gate.Decrypt(value, class, "")
		if err != nil {
			logger.Warn().Err(err).
				Str("entity_id", ch.EntityID).
				Str("field", field).
				Msg("withholding field after decryption failure")
			continue
		}
		out[field] = plain
	}
	return out
}

// Fields lists the field names of a built view, for audit records.
func Fields(v map[string]string) []string {
	out := make([]string, 0, len(v))
	for field := range v {
		out = append(out, field)
	}
	return out
}
