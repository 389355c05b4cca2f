package postgres

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/upb/llm-gateway/models"
)

const eventColumns = 6

// EventRepository implements repositories.EventRepository and events.Publisher
type EventRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewEventRepository creates a new event repository
func NewEventRepository(db *DB, logger *zap.Logger) *EventRepository {
	return &EventRepository{db: db, logger: logger}
}

// Publish inserts the batch with one multi-row INSERT. Replayed ids are ignored.
func (r *EventRepository) Publish(ctx context.Context, batch []*models.GatewayEvent) error {
	if len(batch) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString("INSERT INTO gateway_events (id, event_type, provider, model, payload, timestamp) VALUES ")
	args := make([]interface{}, 0, len(batch)*eventColumns)
	for i, e := range batch {
		if i > 0 {
			sb.WriteString(", ")
		}
		n := i * eventColumns
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4, n+5, n+6)
		args = append(args, e.ID, string(e.Type), e.Provider, e.Model, []byte(e.Payload), e.Timestamp)
	}
	sb.WriteString(" ON CONFLICT (id) DO NOTHING")

	if _, err := GetExecutor(ctx, r.db).ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("failed to insert %d events: %w", len(batch), err)
	}

	r.logger.Debug("events persisted", zap.Int("count", len(batch)))
	return nil
}
