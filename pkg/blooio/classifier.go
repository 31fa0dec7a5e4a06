package blooio

import (
	"context"
	"time"

	"github.com/carriersift/carriersift/internal/logger"
	"github.com/carriersift/carriersift/internal/telemetry"
	"github.com/carriersift/carriersift/pkg/engine/cache"
	"github.com/carriersift/carriersift/pkg/engine/models"
	"github.com/carriersift/carriersift/pkg/metrics"
)

// Classifier resolves a phone to a verdict, cache first.
//
// On a cache miss it acquires the rate gate, calls the upstream, and writes
// successful verdicts back through the cache. The classifier is synchronous
// per phone: it is the pacing point against the upstream and must not be
// parallelized within the same RateGate.
type Classifier struct {
	client *Client
	cache  cache.Store
	gate   *RateGate
}

// NewClassifier creates a classifier. A nil gate disables pacing (bulk
// service variants).
func NewClassifier(client *Client, verdictCache cache.Store, gate *RateGate) *Classifier {
	return &Classifier{
		client: client,
		cache:  verdictCache,
		gate:   gate,
	}
}

// LookupCached returns the fresh cached verdicts for a batch of phones in
// one round-trip. The chunk worker calls this once per chunk so that cache
// hits never pay the rate gate.
func (c *Classifier) LookupCached(ctx context.Context, phones []string) (map[string]*models.CacheEntry, error) {
	return c.cache.LookupBatch(ctx, phones)
}

// Classify resolves one phone. If cached is non-nil it is used directly
// with cache provenance; otherwise the upstream is consulted through the
// rate gate and the verdict written through on success.
//
// Every outcome other than context cancellation produces a verdict; error
// verdicts are not cached.
func (c *Classifier) Classify(ctx context.Context, e164 string, cached *models.CacheEntry) (Verdict, error) {
	if cached != nil {
		metrics.ObserveCacheLookup(true)
		return Verdict{
			IsIOS:            cached.IsIOS,
			SupportsIMessage: cached.SupportsIMessage,
			SupportsSMS:      cached.SupportsSMS,
			ContactType:      cached.ContactType,
			FromCache:        true,
		}, nil
	}
	metrics.ObserveCacheLookup(false)

	if c.gate != nil {
		gateStart := time.Now()
		if err := c.gate.Acquire(ctx); err != nil {
			return Verdict{}, err
		}
		metrics.ObserveRateGateWait(time.Since(gateStart))
	}

	var verdict Verdict
	err := telemetry.TraceLookup(ctx, e164, func(ctx context.Context) error {
		var lookupErr error
		verdict, lookupErr = c.client.Lookup(ctx, e164)
		return lookupErr
	})
	if err != nil {
		return Verdict{}, err
	}

	if !verdict.IsError() {
		entry := &models.CacheEntry{
			E164:             e164,
			IsIOS:            verdict.IsIOS,
			SupportsIMessage: verdict.SupportsIMessage,
			SupportsSMS:      verdict.SupportsSMS,
			ContactType:      verdict.ContactType,
		}
		if err := c.cache.Upsert(ctx, entry); err != nil {
			// A cache write failure is not fatal for the verdict; the
			// phone will simply miss the cache next time.
			logger.Warn("Failed to cache verdict", "e164", e164, "error", err)
		}
	}

	return verdict, nil
}

// Invalidate drops the cached verdict for a phone. Used by the
// reprocess-single repair operation before forcing a fresh lookup.
func (c *Classifier) Invalidate(ctx context.Context, e164 string) error {
	return c.cache.Delete(ctx, e164)
}
