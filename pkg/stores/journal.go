package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/froyo-agent/pkg/telemetry"
)

// DefaultWriteTimeout bounds a single journal write.
const DefaultWriteTimeout = 5 * time.Second

// Journal turns telemetry events into journal rows.
type Journal struct {
	store   *SQLiteStore
	log     *telemetry.Logger
	timeout time.Duration
}

// NewJournal creates a journal writer on top of store.
func NewJournal(store *SQLiteStore, log *telemetry.Logger) *Journal {
	if log == nil {
		log = telemetry.NewNopLogger()
	}
	return &Journal{
		store:   store,
		log:     log.NewComponentLogger("journal"),
		timeout: DefaultWriteTimeout,
	}
}

// Attach subscribes the journal to every event of ep.
func (j *Journal) Attach(ep *telemetry.EventPublisher) {
	if ep == nil {
		return
	}
	ep.Subscribe(j.Record, nil)
}

// Record journals one event. Failures are logged and never reach the
// publisher.
func (j *Journal) Record(event telemetry.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	if err := j.apply(ctx, event); err != nil {
		j.log.WithError(err).WithField("event_type", event.Type).Warn("failed to journal event")
	}
}

func (j *Journal) apply(ctx context.Context, event telemetry.Event) error {
	tx, err := j.store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	runID := event.RunID

	switch event.Type {
	case telemetry.EventTypePlanStarted:
		err = startRun(ctx, tx, &Run{
			ID:        runID,
			PlanID:    event.PlanID,
			Stamp:     int64Field(event.Data, "stamp"),
			Commands:  int(int64Field(event.Data, "commands")),
			StartedAt: event.Timestamp,
		})

	case telemetry.EventTypePlanCompleted:
		err = finishRun(ctx, tx, &Run{
			ID:          runID,
			PlanID:      event.PlanID,
			Status:      RunStatusCompleted,
			Failures:    int(int64Field(event.Data, "failures")),
			Reboot:      boolField(event.Data, "reboot"),
			CompletedAt: &event.Timestamp,
		})

	case telemetry.EventTypePlanFailed:
		err = finishRun(ctx, tx, &Run{
			ID:          runID,
			PlanID:      event.PlanID,
			Status:      RunStatusFailed,
			CompletedAt: &event.Timestamp,
			Error:       stringField(event.Data, "reason"),
		})

	case telemetry.EventTypePlanDropped:
		err = finishRun(ctx, tx, &Run{
			ID:          runID,
			PlanID:      event.PlanID,
			Status:      RunStatusDropped,
			Stamp:       int64Field(event.Data, "stamp"),
			CompletedAt: &event.Timestamp,
		})

	case telemetry.EventTypePlanRejected:
		// Admission runs before the executor assigns a run id.
		if runID == "" {
			runID = uuid.NewString()
		}
		err = finishRun(ctx, tx, &Run{
			ID:          runID,
			PlanID:      event.PlanID,
			Status:      RunStatusRejected,
			CompletedAt: &event.Timestamp,
			Error:       stringField(event.Data, "reason"),
		})
	}
	if err != nil {
		return err
	}

	row, err := eventRow(event, runID)
	if err != nil {
		return err
	}
	if _, err := appendEvent(ctx, tx, row); err != nil {
		return err
	}

	return tx.Commit()
}

func eventRow(event telemetry.Event, runID string) (*Event, error) {
	row := &Event{
		EventID:   event.ID,
		RunID:     optional(runID),
		PlanID:    optional(event.PlanID),
		Type:      event.Type,
		Source:    event.Source,
		Command:   optional(event.Command),
		Level:     event.Level,
		Message:   event.Message,
		Timestamp: event.Timestamp,
	}
	if row.EventID == "" {
		row.EventID = uuid.NewString()
	}
	if row.Timestamp.IsZero() {
		row.Timestamp = time.Now()
	}
	if len(event.Data) > 0 {
		data, err := json.Marshal(event.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to encode event data: %w", err)
		}
		s := string(data)
		row.Data = &s
	}
	return row, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func int64Field(data map[string]interface{}, key string) int64 {
	switch v := data[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	default:
		return 0
	}
}

func boolField(data map[string]interface{}, key string) bool {
	v, _ := data[key].(bool)
	return v
}

func stringField(data map[string]interface{}, key string) *string {
	v, ok := data[key].(string)
	if !ok {
		return nil
	}
	return &v
}
