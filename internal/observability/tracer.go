package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan opens an internal span.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// SetSpanError records err on span and fails it.
func SetSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func SetSpanOK(span trace.Span) { span.SetStatus(codes.Ok, "") }

// Attribute keys of page cache spans
var (
	AttrBackend    = attribute.Key("pagecache.backend")
	AttrKey        = attribute.Key("pagecache.key")
	AttrResourceID = attribute.Key("pagecache.resource_id")
	AttrSite       = attribute.Key("pagecache.site")
)
