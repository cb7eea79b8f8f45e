package servecache

import (
	"context"
	"errors"
	"strconv"

	enc "github.com/unkn0wn-root/servecache/encoding"
	"github.com/unkn0wn-root/servecache/internal/util"
	"github.com/unkn0wn-root/servecache/internal/wire"
)

// negotiate picks the first usable encoding from the caller's preference
// order. Unknown codings are skipped; "identity" (or an exhausted list) means
// serve base content directly and returns a nil encoder.
func (c *cache) negotiate(accepted []string) (enc.Encoder, string) {
	for _, name := range accepted {
		if name == enc.Identity {
			return nil, enc.Identity
		}
		if e, ok := c.encoders[name]; ok {
			return e, name
		}
	}
	return nil, enc.Identity
}

// GetBytes implements Cache.
//
// Identity requests bypass the variant store entirely: base content is read
// fresh (file-backed resources cache no raw bytes by design of the resource
// model, and held/memory bytes need no store round-trip).
//
// Compressed requests first try the provider; a stored entry is valid only if
// its recorded generation matches the resource's current one, and anything
// corrupt or stale is deleted on the spot (self-heal) and treated as a miss.
// Misses build through a single-flight group keyed by (slot, generation):
// exactly one build per slot and generation runs, every concurrent caller
// shares its outcome, and a failure leaves the slot empty so the next request
// starts fresh.
func (c *cache) GetBytes(ctx context.Context, res *Resource, acceptedEncodings []string) (Content, error) {
	if res == nil {
		return Content{}, errors.New("servecache: nil resource")
	}

	e, name := c.negotiate(acceptedEncodings)
	if e == nil {
		base, err := res.ReadBase(ctx)
		if err != nil {
			return Content{}, err
		}
		return Content{Bytes: base, Encoding: enc.Identity, Length: len(base)}, nil
	}

	key := util.VariantKey(c.ns, res.id, name)
	genKey := util.ResourceKey(c.ns, res.id)
	obs := c.snapshotGen(genKey)

	if c.enabled {
		if raw, ok, err := c.provider.Get(ctx, key); err == nil && ok {
			gen, payload, derr := wire.DecodeVariant(raw)
			switch {
			case derr != nil:
				_ = c.provider.Del(ctx, key)
				c.hooks.SelfHealVariant(key, "corrupt")
			case gen != obs:
				_ = c.provider.Del(ctx, key)
				c.hooks.SelfHealVariant(key, "gen_mismatch")
			default:
				res.markServed(name)
				return Content{Bytes: payload, Encoding: name, Length: len(payload)}, nil
			}
		}
	}

	// The observed generation is part of the flight key: waiters attach only
	// to a build of their own generation, and an invalidation mid-build makes
	// the next request start a new flight instead of joining the stale one.
	flightKey := key + "@" + strconv.FormatUint(obs, 10)
	v, err, _ := c.group.Do(flightKey, func() (any, error) {
		base, err := res.ReadBase(ctx)
		if err != nil {
			return nil, err
		}
		level := enc.LevelFast
		if res.kind == KindMemoryCached {
			// long-lived variant; spend the CPU once
			level = enc.LevelBest
		}
		encoded, err := e.Encode(base, level)
		if err != nil {
			return nil, err
		}
		c.storeVariant(ctx, res, key, genKey, obs, encoded)
		return encoded, nil
	})
	if err != nil {
		return Content{}, err
	}

	payload := v.([]byte)
	res.markServed(name)
	return Content{Bytes: payload, Encoding: name, Length: len(payload)}, nil
}

// storeVariant publishes a finished build unless its inputs went stale while
// it ran: an unmapped resource or a moved generation means the bytes are
// delivered to the waiters of this flight but never stored.
func (c *cache) storeVariant(ctx context.Context, res *Resource, key, genKey string, obs uint64, payload []byte) {
	if !c.enabled {
		return
	}
	if res.removed.Load() {
		c.hooks.StaleBuildDiscarded(key, obs, "unmapped")
		c.log.Debug("build discarded (resource unmapped)", Fields{"key": key})
		return
	}
	if c.snapshotGen(genKey) != obs {
		c.hooks.StaleBuildDiscarded(key, obs, "gen_moved")
		c.log.Debug("build discarded (gen moved)", Fields{"key": key, "obs": obs})
		return
	}
	rec := wire.EncodeVariant(obs, payload)
	ok, err := c.provider.Set(ctx, key, rec, int64(len(rec)), c.variantTTL)
	if err != nil {
		c.log.Warn("variant store failed", Fields{"key": key, "err": err})
		return
	}
	if !ok {
		c.hooks.ProviderSetRejected(key)
		c.log.Debug("variant rejected by provider (pressure)", Fields{"key": key})
	}
}

func (c *cache) snapshotGen(storageKey string) uint64 {
	g, err := c.gen.Snapshot(context.Background(), storageKey)
	if err != nil {
		// Conservative: treat as 0 so CAS writes skip; reads self-heal.
		c.log.Warn("gen snapshot error", Fields{"key": storageKey, "err": err})
		return 0
	}
	return g
}

func (c *cache) bumpGen(storageKey string) uint64 {
	g, err := c.gen.Bump(context.Background(), storageKey)
	if err != nil {
		c.log.Error("gen bump error", Fields{"key": storageKey, "err": err})
		return 0
	}
	return g
}
