package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const PACKAGE = "meshcam"

// Names of the spans the coordinator produces.
const (
	SpanCoordinator = "Coordinator"
	SpanSession     = "SharingSession"
	SpanPeerLink    = "PeerLink"
)

// Attribute keys shared by all spans.
const (
	RoomIDKey     = attribute.Key("room_id")
	RemoteIDKey   = attribute.Key("remote_id")
	GenerationKey = attribute.Key("link_generation")
)

var tracer = otel.Tracer(PACKAGE)

// A span owned by a single goroutine. A nil *Telemetry is valid and records nothing,
// so that components don't have to care whether a parent span exists.
type Telemetry struct {
	span    trace.Span
	context context.Context //nolint:containedctx
	ended   bool
}

func NewTelemetry(ctx context.Context, name string, attributes ...attribute.KeyValue) *Telemetry {
	ctx, span := tracer.Start(ctx, name, trace.WithAttributes(attributes...))

	return &Telemetry{
		span:    span,
		context: ctx,
	}
}

// The root span of a coordinator, covering its whole lifetime in the room.
func NewCoordinatorTelemetry(roomID string) *Telemetry {
	return NewTelemetry(context.Background(), SpanCoordinator, RoomIDKey.String(roomID))
}

func (t *Telemetry) CreateChild(name string, attributes ...attribute.KeyValue) *Telemetry {
	if t == nil {
		return nil
	}

	return NewTelemetry(t.context, name, attributes...)
}

// One sharing session, from `StartSharing()` until sharing stops.
func (t *Telemetry) StartSession(roomID string) *Telemetry {
	return t.CreateChild(SpanSession, RoomIDKey.String(roomID))
}

// One peer link. Links that replace an older link to the same remote get a new generation.
func (t *Telemetry) StartPeerLink(remote string, generation uint64) *Telemetry {
	return t.CreateChild(SpanPeerLink, RemoteIDKey.String(remote), GenerationKey.Int64(int64(generation)))
}

func (t *Telemetry) AddEvent(text string, attributes ...attribute.KeyValue) {
	if !t.recording() {
		return
	}

	t.span.AddEvent(text, trace.WithAttributes(attributes...))
}

func (t *Telemetry) AddError(err error) {
	if !t.recording() || err == nil {
		return
	}

	t.span.RecordError(err)
}

func (t *Telemetry) Fail(err error) {
	if !t.recording() || err == nil {
		return
	}

	t.span.SetStatus(codes.Error, err.Error())
	t.span.RecordError(err)
}

// Ends the span. Subsequent calls (and events) are ignored.
func (t *Telemetry) End() {
	if !t.recording() {
		return
	}

	t.ended = true
	t.span.End()
}

func (t *Telemetry) recording() bool {
	return t != nil && !t.ended
}
