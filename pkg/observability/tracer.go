// Copyright 2025 Hanibal Sk
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/hanibalsk/orchestrate/pkg/config"
)

const tracerName = "github.com/hanibalsk/orchestrate"

var noopTracer = noop.NewTracerProvider().Tracer(tracerName)

// Tracer wraps the otel tracer so disabled tracing is a true no-op. A nil
// *Tracer is safe to call.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates the tracing sink. When disabled, spans cost nothing.
func NewTracer(cfg *config.TracingConfig) *Tracer {
	if cfg == nil || !cfg.Enabled {
		return &Tracer{tracer: noopTracer}
	}
	return &Tracer{tracer: otel.Tracer(tracerName)}
}

func (t *Tracer) tr() trace.Tracer {
	if t == nil {
		return noopTracer
	}
	return t.tracer
}

// StartEvent opens a span for one handled event.
func (t *Tracer) StartEvent(ctx context.Context, eventType, deliveryID string) (context.Context, trace.Span) {
	return t.tr().Start(ctx, "dispatcher.handle",
		trace.WithAttributes(
			attribute.String("event.type", eventType),
			attribute.String("event.delivery_id", deliveryID),
		))
}

// StartTurn opens a span for one agent turn.
func (t *Tracer) StartTurn(ctx context.Context, agentID, kind string) (context.Context, trace.Span) {
	return t.tr().Start(ctx, "agent.step",
		trace.WithAttributes(
			attribute.String("agent.id", agentID),
			attribute.String("agent.kind", kind),
		))
}
