package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"github.com/ssuji15/ciwatch/internal/service/logger"
	"github.com/ssuji15/ciwatch/internal/tracer"
	"github.com/ssuji15/ciwatch/internal/util"
	"go.opentelemetry.io/otel/attribute"
)

type RetryOptions struct {
	Attempts uint
	// Backoff is multiplied by the attempt number: 1x, 2x, ...
	Backoff time.Duration
	// Timeout bounds each attempt; zero means no per-attempt limit.
	Timeout time.Duration
}

func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		Attempts: 3,
		Backoff:  2 * time.Second,
		Timeout:  60 * time.Second,
	}
}

// Retrying wraps a Caller, retrying transient failures with linear backoff.
type Retrying struct {
	next Caller
	opts RetryOptions
}

func NewRetrying(next Caller, opts RetryOptions) *Retrying {
	if opts.Attempts == 0 {
		opts.Attempts = 1
	}
	return &Retrying{next: next, opts: opts}
}

func (r *Retrying) Call(ctx context.Context, req Request) (*Response, error) {
	ctx, span := tracer.GetTracer().Start(ctx, "Transport/Call")
	defer span.End()
	span.SetAttributes(attribute.String("url", req.URL))

	var resp *Response
	attempts := 0
	err := retry.Do(
		func() error {
			attempts++
			var err error
			resp, err = r.attempt(ctx, req)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(r.opts.Attempts),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			return time.Duration(n+1) * r.opts.Backoff
		}),
		retry.RetryIf(IsTransient),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			// also called after the final attempt, when nothing follows
			if n+1 >= r.opts.Attempts {
				return
			}
			logger.FromContext(ctx).Warn().
				Err(err).
				Str("url", req.URL).
				Uint("attempt", n+1).
				Msg("transient provider error, retrying")
		}),
	)
	span.SetAttributes(attribute.Int("attempts", attempts))
	if err != nil {
		util.RecordSpanError(span, err)
		if errors.Is(err, ErrTimeout) {
			return nil, fmt.Errorf("%w: %s after %d attempts", ErrTimeout, req.URL, attempts)
		}
		return nil, err
	}
	return resp, nil
}

func (r *Retrying) attempt(ctx context.Context, req Request) (*Response, error) {
	if r.opts.Timeout <= 0 {
		return r.next.Call(ctx, req)
	}
	actx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	resp, err := r.next.Call(actx, req)
	if err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return resp, err
}
