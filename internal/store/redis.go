package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Gather/internal/core"
	"github.com/dkeye/Gather/internal/domain"
)

const (
	venueKeyPrefix     = "gather:venue:"
	venueNameKeyPrefix = "gather:venue:name:"
	userKeyPrefix      = "gather:user:"
)

// RedisStore persists venue and user records in Redis so venues survive
// process restarts and can be shared between instances.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	log.Info().Str("module", "store.redis").Str("addr", addr).Msg("connected to redis")
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Create(ctx context.Context, rec *domain.VenueRecord) error {
	return s.writeVenue(ctx, rec)
}

func (s *RedisStore) FindByID(ctx context.Context, id domain.VenueID) (*domain.VenueRecord, error) {
	data, err := s.client.Get(ctx, venueKeyPrefix+string(id)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: venue %s", core.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get venue: %w", err)
	}

	var rec domain.VenueRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal venue: %w", err)
	}
	return &rec, nil
}

func (s *RedisStore) FindByName(ctx context.Context, name string) (*domain.VenueRecord, error) {
	id, err := s.client.Get(ctx, venueNameKeyPrefix+name).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: venue named %q", core.ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("get venue name index: %w", err)
	}
	return s.FindByID(ctx, domain.VenueID(id))
}

func (s *RedisStore) Update(ctx context.Context, rec *domain.VenueRecord) error {
	if _, err := s.FindByID(ctx, rec.ID); err != nil {
		return err
	}
	return s.writeVenue(ctx, rec)
}

func (s *RedisStore) writeVenue(ctx context.Context, rec *domain.VenueRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal venue: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, venueKeyPrefix+string(rec.ID), data, 0)
	pipe.Set(ctx, venueNameKeyPrefix+rec.Name, string(rec.ID), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store venue: %w", err)
	}
	return nil
}

// Users returns the user-store view over the same Redis connection.
func (s *RedisStore) Users() core.UserStore {
	return (*redisUsers)(s)
}

type redisUsers RedisStore

func (s *redisUsers) Create(ctx context.Context, u *domain.User) error {
	return s.writeUser(ctx, u)
}

func (s *redisUsers) FindByID(ctx context.Context, id domain.UserID) (*domain.User, error) {
	data, err := s.client.Get(ctx, userKeyPrefix+string(id)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: user %s", core.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}

	var u domain.User
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("unmarshal user: %w", err)
	}
	return &u, nil
}

func (s *redisUsers) Update(ctx context.Context, u *domain.User) error {
	if _, err := s.FindByID(ctx, u.ID); err != nil {
		return err
	}
	return s.writeUser(ctx, u)
}

func (s *redisUsers) writeUser(ctx context.Context, u *domain.User) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}
	if err := s.client.Set(ctx, userKeyPrefix+string(u.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("store user: %w", err)
	}
	return nil
}
