package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Common attribute keys for engine and upstream operations.
// These follow OpenTelemetry semantic conventions where applicable.
const (
	// ========================================================================
	// Job attributes
	// ========================================================================
	AttrFileID   = "job.file_id"
	AttrFileName = "job.file_name"
	AttrService  = "job.service"
	AttrChunkID  = "job.chunk_id"
	AttrOffset   = "job.offset"
	AttrTotal    = "job.total"
	AttrStatus   = "job.status"

	// ========================================================================
	// Classification attributes
	// ========================================================================
	AttrE164        = "classify.e164"
	AttrContactType = "classify.contact_type"
	AttrFromCache   = "classify.from_cache"

	// ========================================================================
	// Upstream attributes
	// ========================================================================
	AttrUpstreamStatus  = "upstream.status_code"
	AttrUpstreamOutcome = "upstream.outcome"
	AttrUpstreamAttempt = "upstream.attempt"
)

// WithFile returns span options tagging a span with file identity.
func WithFile(fileID, fileName string) trace.SpanStartOption {
	return trace.WithAttributes(
		attribute.String(AttrFileID, fileID),
		attribute.String(AttrFileName, fileName),
	)
}

// WithChunk returns span options tagging a span with chunk identity.
func WithChunk(chunkID string, offset int) trace.SpanStartOption {
	return trace.WithAttributes(
		attribute.String(AttrChunkID, chunkID),
		attribute.Int(AttrOffset, offset),
	)
}

// TraceChunk wraps fn in a span covering one chunk's processing.
func TraceChunk(ctx context.Context, fileID, chunkID string, fn func(context.Context) error) error {
	ctx, span := StartSpan(ctx, "engine.process_chunk",
		trace.WithAttributes(
			attribute.String(AttrFileID, fileID),
			attribute.String(AttrChunkID, chunkID),
		),
	)
	defer span.End()

	if err := fn(ctx); err != nil {
		RecordError(ctx, err)
		return err
	}
	return nil
}

// TraceLookup wraps fn in a span covering one upstream capability lookup.
func TraceLookup(ctx context.Context, e164 string, fn func(context.Context) error) error {
	ctx, span := StartSpan(ctx, "upstream.lookup",
		trace.WithAttributes(attribute.String(AttrE164, e164)),
	)
	defer span.End()

	if err := fn(ctx); err != nil {
		RecordError(ctx, err)
		return err
	}
	return nil
}

// SpanName builds a dotted span name from component and operation.
func SpanName(component, operation string) string {
	return fmt.Sprintf("%s.%s", component, operation)
}
