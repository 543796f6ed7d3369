// Package throttle rate-limits outbound provider calls, both globally and
// per engine, so a burst of chat requests cannot get the bot banned by a
// provider.
package throttle

import (
	"context"
	"sync"

	"github.com/Laisky/errors/v2"
	gutils "github.com/Laisky/go-utils/v6"
	"github.com/Laisky/zap"

	"github.com/Laisky/img-searcher/library/log"
)

// SearchThrottleCfg configuration for SearchThrottle
type SearchThrottleCfg struct {
	TotalNPerSec, TotalBurst           int
	EachEngineNPerSec, EachEngineBurst int
}

// SearchThrottle throttle for provider searches
type SearchThrottle struct {
	sync.Mutex
	cfg             *SearchThrottleCfg
	totalThrottle   *gutils.RateLimiter
	engineThrottles *sync.Map
}

// NewSearchThrottle create new SearchThrottle
func NewSearchThrottle(ctx context.Context, cfg *SearchThrottleCfg) (t *SearchThrottle, err error) {
	if cfg.TotalNPerSec <= 0 || cfg.EachEngineNPerSec <= 0 {
		return nil, errors.Errorf("NPerSec must bigger than 0")
	}
	if cfg.TotalBurst < cfg.TotalNPerSec || cfg.EachEngineBurst < cfg.EachEngineNPerSec {
		return nil, errors.Errorf("burst must bigger than NPerSec")
	}

	var tt *gutils.RateLimiter
	if tt, err = gutils.NewThrottleWithCtx(ctx, gutils.RateLimiterArgs{
		Max:     cfg.TotalBurst,
		NPerSec: cfg.TotalNPerSec,
	}); err != nil {
		return nil, errors.Wrap(err, "create total throttle")
	}

	t = &SearchThrottle{
		totalThrottle:   tt,
		engineThrottles: new(sync.Map),
		cfg:             cfg,
	}
	return t, nil
}

// Allow reports whether engine may run one more search now.
func (t *SearchThrottle) Allow(engine string) (ok bool) {
	var (
		tti interface{}
		tt  *gutils.RateLimiter
	)
	if tti, ok = t.engineThrottles.Load(engine); !ok {
		t.Lock()
		if tti, ok = t.engineThrottles.Load(engine); !ok {
			var err error
			if tt, err = gutils.NewThrottleWithCtx(
				context.Background(),
				gutils.RateLimiterArgs{
					Max:     t.cfg.EachEngineBurst,
					NPerSec: t.cfg.EachEngineNPerSec,
				}); err != nil {
				log.Logger.Panic("create new throttle for engine", zap.Error(err),
					zap.Int("Max", t.cfg.EachEngineBurst),
					zap.Int("NPerSec", t.cfg.EachEngineNPerSec))
			}
			t.engineThrottles.Store(engine, tt)
		} else {
			tt = tti.(*gutils.RateLimiter)
		}
		t.Unlock()
	} else {
		tt = tti.(*gutils.RateLimiter)
	}

	return t.totalThrottle.Allow() && tt.Allow()
}
