// Copyright 2025 Antfly, Inc.
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

package litert

import (
	"context"
	"encoding/binary"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/google-ai-edge/ai-edge-apis/pkg/litert/lib/generation"
)

// GenerationCacheTTL is the default TTL for cached completions
const GenerationCacheTTL = 2 * time.Minute

// SharedGenerationTimeout bounds a generation shared by concurrent callers.
// The shared run does not inherit any single caller's deadline.
const SharedGenerationTimeout = 10 * time.Minute

// GenerationCache memoizes completions. Greedy decoding is deterministic,
// so a (model, prompt, max steps) triple always yields the same result
// while the model stays the same.
type GenerationCache struct {
	cache   *ttlcache.Cache[string, *generation.GenerateResult]
	sfGroup singleflight.Group
	logger  *zap.Logger
	cancel  context.CancelFunc

	mu      sync.Mutex
	flights map[string]*flight

	hits   atomic.Uint64
	misses atomic.Uint64
	sfHits atomic.Uint64
}

// NewGenerationCache creates a cache whose entries live for ttl.
func NewGenerationCache(ttl time.Duration, logger *zap.Logger) *GenerationCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = GenerationCacheTTL
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[string, *generation.GenerateResult](ttl),
	)
	go cache.Start()

	ctx, cancel := context.WithCancel(context.Background())
	gc := &GenerationCache{
		cache:   cache,
		logger:  logger,
		cancel:  cancel,
		flights: make(map[string]*flight),
	}
	go gc.logStats(ctx)
	return gc
}

// flight is one in-progress generation and the callers waiting on it.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// Generate returns a cached completion or runs gen and caches its result.
// Concurrent identical requests share one generation. A caller that goes
// away stops waiting without failing the others; the generation itself is
// cancelled once no caller is left. Results of cancelled generations are
// never cached.
func (gc *GenerationCache) Generate(ctx context.Context, model string, gen generation.Generator, prompt string, opts generation.GenerateOptions) (*generation.GenerateResult, error) {
	key := gc.cacheKey(model, prompt, opts)

	if item := gc.cache.Get(key); item != nil {
		gc.hits.Add(1)
		RecordCacheHit("generation")
		gc.logger.Debug("Generation cache hit", zap.String("model", model))
		return item.Value(), nil
	}

	f := gc.join(ctx, key)
	defer gc.leave(key, f)

	ch := gc.sfGroup.DoChan(key, func() (any, error) {
		if item := gc.cache.Get(key); item != nil {
			return item.Value(), nil
		}
		gc.misses.Add(1)
		RecordCacheMiss("generation")

		res, err := gen.Generate(f.ctx, prompt, opts)
		if err != nil {
			return res, err
		}
		gc.cache.Set(key, res, ttlcache.DefaultTTL)
		return res, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Shared {
			gc.sfHits.Add(1)
			gc.logger.Debug("Singleflight hit for generation request", zap.String("model", model))
		}
		res, _ := r.Val.(*generation.GenerateResult)
		return res, r.Err
	}
}

// join registers the caller on the flight for key, starting one if needed.
// The flight context keeps the caller's values but not its cancellation.
func (gc *GenerationCache) join(ctx context.Context, key string) *flight {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	f, ok := gc.flights[key]
	if !ok {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), SharedGenerationTimeout)
		f = &flight{ctx: fctx, cancel: cancel}
		gc.flights[key] = f
	}
	f.waiters++
	return f
}

// leave drops a waiter. The last one out cancels the generation and
// forgets the key so the next request starts a fresh run.
func (gc *GenerationCache) leave(key string, f *flight) {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	if gc.flights[key] == f {
		delete(gc.flights, key)
		gc.sfGroup.Forget(key)
	}
	f.cancel()
}

// cacheKey hashes model, steps and prompt into a fixed-size key.
func (gc *GenerationCache) cacheKey(model, prompt string, opts generation.GenerateOptions) string {
	h := xxhash.New()
	_, _ = h.WriteString(model)
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(strconv.Itoa(opts.MaxDecodeSteps))
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(prompt)

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], h.Sum64())
	return string(buf[:])
}

// Close stops the cache
func (gc *GenerationCache) Close() {
	gc.cancel()
	gc.cache.Stop()
}

// logStats logs cache statistics periodically
func (gc *GenerationCache) logStats(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hits, misses := gc.hits.Load(), gc.misses.Load()
			if hits == 0 && misses == 0 {
				continue
			}
			gc.logger.Info("Generation cache stats",
				zap.Uint64("hits", hits),
				zap.Uint64("misses", misses),
				zap.Uint64("singleflight_hits", gc.sfHits.Load()),
				zap.Float64("hit_rate_pct", float64(hits)/float64(hits+misses)*100),
				zap.Int("items", gc.cache.Len()))
		}
	}
}

// Stats returns cache statistics
func (gc *GenerationCache) Stats() map[string]any {
	return map[string]any{
		"hits":              gc.hits.Load(),
		"misses":            gc.misses.Load(),
		"singleflight_hits": gc.sfHits.Load(),
		"items":             gc.cache.Len(),
	}
}
