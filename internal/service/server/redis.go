package server

import (
	"context"
	"encoding/json"
	"errors"
	"time"
	"zerotrace/internal/model"
	"zerotrace/internal/service/redis"
	"zerotrace/internal/utils/log"

	"go.uber.org/zap"
)

const notifyChannel = "zerotrace:notify"

type (
	// Cache is the subset of the redis service used for lookups.
	Cache interface {
		Get(ctx context.Context, key string) (string, error)
		Set(ctx context.Context, key string, value any, ttl time.Duration) error
	}

	PubSub interface {
		Publish(ctx context.Context, channel string, payload any) error
		Subscribe(ctx context.Context, channel string, fn func(payload string)) error
	}

	// CachedUsers serves user lookups from redis and falls back to the
	// underlying store. Registered users never change, so entries only expire.
	CachedUsers struct {
		UserStore
		cache Cache
		ttl   time.Duration
	}

	// RedisPublisher fans notifications out through a redis channel so every
	// server instance reaches the sockets it holds.
	RedisPublisher struct {
		pubsub PubSub
		hub    *Hub
	}

	notifyEvent struct {
		Keys         []string           `json:"keys"`
		Notification model.Notification `json:"notification"`
	}
)

func NewCachedUsers(store UserStore, cache Cache, ttl time.Duration) *CachedUsers {
	return &CachedUsers{UserStore: store, cache: cache, ttl: ttl}
}

func (c *CachedUsers) ByUsername(ctx context.Context, username string) (*model.User, error) {
	return c.cached(ctx, "user:name:"+username, func() (*model.User, error) {
		return c.UserStore.ByUsername(ctx, username)
	})
}

func (c *CachedUsers) ByPublicKey(ctx context.Context, kemPublic string) (*model.User, error) {
	return c.cached(ctx, "user:kem:"+kemPublic, func() (*model.User, error) {
		return c.UserStore.ByPublicKey(ctx, kemPublic)
	})
}

func (c *CachedUsers) cached(ctx context.Context, key string, load func() (*model.User, error)) (*model.User, error) {
	v, err := c.cache.Get(ctx, key)
	if err == nil {
		var user model.User
		if err := json.Unmarshal([]byte(v), &user); err == nil {
			return &user, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		log.Warn("user cache read failed", zap.String("key", key), zap.Error(err))
	}

	user, err := load()
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(user)
	if err == nil {
		err = c.cache.Set(ctx, key, data, c.ttl)
	}
	if err != nil {
		log.Warn("user cache write failed", zap.String("key", key), zap.Error(err))
	}
	return user, nil
}

func NewRedisPublisher(pubsub PubSub, hub *Hub) *RedisPublisher {
	return &RedisPublisher{pubsub: pubsub, hub: hub}
}

func (p *RedisPublisher) Publish(ctx context.Context, n model.Notification, keys ...string) error {
	data, err := json.Marshal(&notifyEvent{Keys: keys, Notification: n})
	if err != nil {
		return err
	}
	return p.pubsub.Publish(ctx, notifyChannel, data)
}

// Relay forwards events from the redis channel to local sockets until ctx
// is done.
func (p *RedisPublisher) Relay(ctx context.Context) error {
	return p.pubsub.Subscribe(ctx, notifyChannel, func(payload string) {
		var ev notifyEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			log.Error("decode notify event failed", zap.Error(err))
			return
		}
		p.hub.Deliver(ev.Notification, ev.Keys...)
	})
}
