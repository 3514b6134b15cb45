package source

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/chartwise/insight-stream/internal/stream/event"
)

const journalBatch = 256

// PGJournal reads the session_report_events journal, the same table the
// notify trigger publishes from. The router uses it to recover the exact
// rows committed while the notification connection was down.
type PGJournal struct {
	Pool   *pgxpool.Pool
	Logger zerolog.Logger
}

// After returns every journal row with id greater than the given sequence,
// in id order. Rows the source would have dropped as malformed are skipped
// here too.
func (j *PGJournal) After(ctx context.Context, id uint64) ([]*event.Change, error) {
	var out []*event.Change
	for {
		batch, lastID, n, err := j.fetch(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
		if n < journalBatch {
			return out, nil
		}
		id = lastID
	}
}

func (j *PGJournal) fetch(ctx context.Context, after uint64) ([]*event.Change, uint64, int, error) {
	rows, err := j.Pool.Query(ctx,
		`SELECT id, entity_kind, entity_id, tenant_id, patient_id, occurred_at, payload, payload_encrypted
		 FROM session_report_events
		 WHERE id > $1
		 ORDER BY id
		 LIMIT $2`, after, journalBatch)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var (
		out    []*event.Change
		lastID uint64
		n      int
	)
	for rows.Next() {
		ch := &event.Change{}
		var kind string
		if err := rows.Scan(&ch.Sequence, &kind, &ch.EntityID, &ch.TenantID, &ch.PatientID,
			&ch.OccurredAt, &ch.Payload, &ch.PayloadEncrypted); err != nil {
			return nil, 0, 0, fmt.Errorf("scan journal row: %w", err)
		}
		lastID = ch.Sequence
		n++
		ch.EntityKind = event.EntityKind(kind)
		if err := ch.Validate(); err != nil {
			j.Logger.Warn().Err(err).Uint64("sequence", ch.Sequence).Msg("skipping malformed journal row")
			continue
		}
		out = append(out, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, 0, fmt.Errorf("read journal: %w", err)
	}
	return out, lastID, n, nil
}
