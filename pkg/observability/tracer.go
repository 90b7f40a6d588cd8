// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracerOption configures a Tracer at construction time.
type TracerOption func(*Tracer)

// WithDebugExporter attaches an in-memory span exporter for UI inspection.
func WithDebugExporter(d *DebugExporter) TracerOption {
	return func(t *Tracer) { t.debug = d }
}

// WithCapturePayloads enables recording full request/response text on
// spans. Off by default since payloads can be large.
func WithCapturePayloads(capture bool) TracerOption {
	return func(t *Tracer) { t.capturePayloads = capture }
}

// Tracer wraps an OpenTelemetry TracerProvider with span helpers for the
// turn engine's check-points: one span per turn, one per backend call,
// one per tool dispatch, one per RAG retrieval.
type Tracer struct {
	provider        trace.TracerProvider
	tracer          trace.Tracer
	shutdownFn      func(context.Context) error
	debug           *DebugExporter
	capturePayloads bool
}

// NewTracer builds a Tracer from cfg. When cfg.Enabled is false, the
// returned Tracer is bound to a no-op provider so callers never need to
// nil-check before calling its Start* methods.
func NewTracer(ctx context.Context, cfg *TracingConfig, opts ...TracerOption) (*Tracer, error) {
	t := &Tracer{}
	for _, opt := range opts {
		opt(t)
	}

	if cfg == nil || !cfg.Enabled {
		t.provider = noop.NewTracerProvider()
		t.tracer = t.provider.Tracer(DefaultServiceName)
		t.shutdownFn = func(context.Context) error { return nil }
		return t, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: creating OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("observability: building resource: %w", err)
	}

	spanOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SamplingRate)),
		sdktrace.WithResource(res),
	}
	if t.debug != nil {
		spanOpts = append(spanOpts, sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(t.debug)))
	}

	tp := sdktrace.NewTracerProvider(spanOpts...)
	otel.SetTracerProvider(tp)

	t.provider = tp
	t.tracer = tp.Tracer(cfg.ServiceName)
	t.shutdownFn = tp.Shutdown
	return t, nil
}

// Start opens a generic span.
func (t *Tracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, name, opts...)
}

// StartTurn opens the span enclosing one agent-turn-engine job.
func (t *Tracer) StartTurn(ctx context.Context, conversationID, agentName string, turn, maxTurns int) (context.Context, trace.Span) {
	return t.Start(ctx, SpanTurn, trace.WithAttributes(
		attribute.String(AttrConversationID, conversationID),
		attribute.String(AttrAgentName, agentName),
		attribute.Int(AttrTurnNumber, turn),
		attribute.Int(AttrMaxTurns, maxTurns),
	))
}

// StartBackendCall opens the span enclosing one driver Execute/StreamExecute call.
func (t *Tracer) StartBackendCall(ctx context.Context, backend, model string) (context.Context, trace.Span) {
	return t.Start(ctx, SpanBackendCall, trace.WithAttributes(
		attribute.String(AttrBackendName, backend),
		attribute.String(AttrLLMModel, model),
	))
}

// StartToolExecution opens the span enclosing one server tool dispatch.
func (t *Tracer) StartToolExecution(ctx context.Context, toolName string) (context.Context, trace.Span) {
	return t.Start(ctx, SpanToolExecution, trace.WithAttributes(
		attribute.String(AttrToolName, toolName),
	))
}

// StartRetrieval opens the span enclosing one RAG hybrid-search call.
func (t *Tracer) StartRetrieval(ctx context.Context, strategy string, topK int) (context.Context, trace.Span) {
	return t.Start(ctx, SpanRetrieval, trace.WithAttributes(
		attribute.String(AttrRetrievalStrategy, strategy),
		attribute.Int(AttrRetrievalTopK, topK),
	))
}

// AddLLMUsage annotates span with token usage once the backend call returns.
func (t *Tracer) AddLLMUsage(span trace.Span, promptTokens, completionTokens int) {
	if span == nil {
		return
	}
	span.SetAttributes(
		attribute.Int(AttrLLMTokensInput, promptTokens),
		attribute.Int(AttrLLMTokensOutput, completionTokens),
	)
}

// AddPayload records request/response text on span, gated on capturePayloads.
func (t *Tracer) AddPayload(span trace.Span, request, response string) {
	if t == nil || !t.capturePayloads || span == nil {
		return
	}
	span.SetAttributes(
		attribute.String("payload.request", request),
		attribute.String("payload.response", response),
	)
}

// RecordError marks span as failed and attaches the error.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetAttributes(attribute.String(AttrErrorType, fmt.Sprintf("%T", err)))
}

// DebugExporter returns the in-memory span store, or nil if not configured.
func (t *Tracer) DebugExporter() *DebugExporter {
	if t == nil {
		return nil
	}
	return t.debug
}

// Shutdown flushes and releases the underlying TracerProvider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil || t.shutdownFn == nil {
		return nil
	}
	return t.shutdownFn(ctx)
}
