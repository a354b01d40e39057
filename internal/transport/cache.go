package transport

import (
	"context"
	"errors"

	"github.com/ssuji15/ciwatch/internal/cache"
	"github.com/ssuji15/ciwatch/internal/service/logger"
	"github.com/ssuji15/ciwatch/internal/util"
)

// Caching answers Cacheable requests from c before falling through to next.
type Caching struct {
	next  Caller
	cache cache.Cache
	ttl   int
}

func NewCaching(next Caller, c cache.Cache) *Caching {
	return &Caching{next: next, cache: c, ttl: c.GetDefaultTTL()}
}

func (c *Caching) Call(ctx context.Context, req Request) (*Response, error) {
	if !req.Cacheable {
		return c.next.Call(ctx, req)
	}

	key := util.GetRequestKey(req.URL)
	var cached Response
	err := c.cache.Get(ctx, key, &cached)
	if err == nil {
		return &cached, nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		logger.FromContext(ctx).Debug().Err(err).Str("key", key).Msg("response cache read failed")
	}

	resp, err := c.next.Call(ctx, req)
	if err != nil {
		return nil, err
	}
	if perr := c.cache.Put(ctx, key, *resp, c.ttl); perr != nil {
		logger.FromContext(ctx).Debug().Err(perr).Str("key", key).Msg("response cache write failed")
	}
	return resp, nil
}
