package util

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

func RecordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// GetRequestKey is the cache key for a provider GET.
func GetRequestKey(url string) string {
	return fmt.Sprintf("request:%s", url)
}

// StartOfDay truncates t to 00:00 UTC of its day.
func StartOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// DayKey formats the UTC date of t as YYYY-MM-DD.
func DayKey(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}
