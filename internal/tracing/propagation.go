package tracing

import (
	"context"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// LoggerFromContext adds the ids carried by ctx to baseLogger
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)
	lc := baseLogger.With()

	for _, f := range []struct{ key, value string }{
		{"trace_id", tc.TraceID},
		{"run_id", tc.RunID},
		{"thread_id", tc.ThreadID},
		{"request_id", tc.RequestID},
	} {
		if f.value != "" {
			lc = lc.Str(f.key, f.value)
		}
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		lc = lc.Str("span_id", sc.SpanID().String())
	}

	return lc.Logger()
}

// Detach keeps ctx's ids and span but drops its deadline and cancellation,
// so work that must outlive the caller still logs under the same run.
func Detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
