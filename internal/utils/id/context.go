package id

import "context"

type contextKey string

const (
	runKey contextKey = "mira_run_id"
	logKey contextKey = "mira_log_id"
)

// IDs captures the identifiers propagated across run execution boundaries.
type IDs struct {
	RunID string
	LogID string
}

// WithRunID stores the current run identifier on the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	if runID == "" {
		return ctx
	}
	return context.WithValue(ctx, runKey, runID)
}

// WithLogID stores the log correlation identifier on the context.
func WithLogID(ctx context.Context, logID string) context.Context {
	if logID == "" {
		return ctx
	}
	return context.WithValue(ctx, logKey, logID)
}

// WithIDs stores every non-empty identifier from ids on the context.
func WithIDs(ctx context.Context, ids IDs) context.Context {
	ctx = WithRunID(ctx, ids.RunID)
	ctx = WithLogID(ctx, ids.LogID)
	return ctx
}

// RunIDFromContext returns the run identifier stored on the context, if any.
func RunIDFromContext(ctx context.Context) string {
	return stringFromContext(ctx, runKey)
}

// LogIDFromContext returns the log identifier stored on the context, if any.
func LogIDFromContext(ctx context.Context) string {
	return stringFromContext(ctx, logKey)
}

// IDsFromContext collects every identifier stored on the context.
func IDsFromContext(ctx context.Context) IDs {
	return IDs{
		RunID: RunIDFromContext(ctx),
		LogID: LogIDFromContext(ctx),
	}
}

// EnsureLogID returns ctx with a log identifier, generating one via gen when
// the context does not carry one yet. The returned string is the effective ID.
func EnsureLogID(ctx context.Context, gen func() string) (context.Context, string) {
	if existing := LogIDFromContext(ctx); existing != "" {
		return ctx, existing
	}
	if gen == nil {
		gen = NewLogID
	}
	logID := gen()
	return WithLogID(ctx, logID), logID
}

func stringFromContext(ctx context.Context, key contextKey) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(key).(string)
	return value
}
