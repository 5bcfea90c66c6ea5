package hipaa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultAuditStream is the Redis stream audit events are appended to.
const DefaultAuditStream = "priorauth:audit"

// StreamSink appends audit events to a Redis stream so downstream SIEM
// consumers can follow them.
type StreamSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewStreamSink creates a StreamSink. A positive maxLen trims the stream
// approximately to that many entries.
func NewStreamSink(client *redis.Client, stream string, maxLen int64) *StreamSink {
	if stream == "" {
		stream = DefaultAuditStream
	}
	return &StreamSink{client: client, stream: stream, maxLen: maxLen}
}

func (s *StreamSink) Record(ctx context.Context, event *AuditEvent) error {
	prepare(event)
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("hipaa stream: encode event: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"id":      event.ID.String(),
			"action":  string(event.Action),
			"outcome": string(event.Outcome),
			"event":   payload,
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("hipaa stream: xadd %s: %w", s.stream, err)
	}
	return nil
}

// LogSink writes audit events as structured log lines.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Record(_ context.Context, e *AuditEvent) error {
	prepare(e)
	evt := s.logger.Info()
	if e.Outcome != OutcomeSuccess {
		evt = s.logger.Warn()
	}
	evt.
		Str("type", "hipaa_audit").
		Str("audit_id", e.ID.String()).
		Str("request_id", e.RequestID).
		Str("action", string(e.Action)).
		Str("outcome", string(e.Outcome)).
		Str("subtype", e.SubtypeCode).
		Str("endpoint", e.SourceEndpoint).
		Str("method", e.Method).
		Int("status", e.StatusCode).
		Str("agent", e.AgentWhoID).
		Str("remote_ip", e.AgentNetworkAddr).
		Str("entity_type", e.EntityWhatType).
		Str("entity_id", e.EntityWhatID).
		Msg("audit_event")
	return nil
}

// FanOut records each event to every recorder. All recorders are attempted;
// their errors are joined.
func FanOut(recorders ...Recorder) Recorder {
	active := make([]Recorder, 0, len(recorders))
	for _, r := range recorders {
		if r != nil {
			active = append(active, r)
		}
	}
	return RecorderFunc(func(ctx context.Context, event *AuditEvent) error {
		var errs []error
		for _, r := range active {
			if err := r.Record(ctx, event); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}
