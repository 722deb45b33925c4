package log

import (
	"context"

	"github.com/go-logr/logr"
)

func FromContext(ctx context.Context) logr.Logger {
	return logr.FromContextOrDiscard(ctx)
}

func WithLogger(ctx context.Context, logger logr.Logger) context.Context {
	return logr.NewContext(ctx, logger)
}

// Or returns logger when it has a sink, otherwise the logger carried by ctx.
func Or(ctx context.Context, logger logr.Logger) logr.Logger {
	if logger.GetSink() != nil {
		return logger
	}
	return FromContext(ctx)
}
