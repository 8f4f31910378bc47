package roster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/meshcall/meshcall/internal/core"
	"github.com/meshcall/meshcall/internal/domain"
)

const (
	presenceTTL       = 30 * time.Second
	heartbeatInterval = 10 * time.Second
	consumeBlock      = 5 * time.Second
	watchPollFallback = 10 * time.Second
)

// RedisStore keeps the roster in a hash per room, fans snapshots out over
// pub/sub, and implements mailboxes as lists with a processing list for
// at-least-once hand-off. Presence is a TTL key refreshed by a heartbeat;
// records whose presence expired are pruned, which is the store-side
// liveness cleanup the contract asks for.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisStore{rdb: rdb}, nil
}

func (s *RedisStore) Close() error { return s.rdb.Close() }

func participantsKey(room domain.RoomID) string {
	return fmt.Sprintf("room:%s:participants", room)
}

func eventsKey(room domain.RoomID) string {
	return fmt.Sprintf("room:%s:events", room)
}

func presenceKey(room domain.RoomID, id domain.PeerID) string {
	return fmt.Sprintf("room:%s:presence:%s", room, id)
}

func mailboxKey(room domain.RoomID, id domain.PeerID) string {
	return fmt.Sprintf("room:%s:signals:%s", room, id)
}

func processingKey(room domain.RoomID, id domain.PeerID) string {
	return mailboxKey(room, id) + ":processing"
}

// wrap maps connectivity failures onto the core sentinel so callers can
// treat them uniformly.
func wrap(err error) error {
	if err == nil || errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", core.ErrSignalingUnavailable, err)
}

func (s *RedisStore) PutParticipant(ctx context.Context, room domain.RoomID, p domain.Participant) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, participantsKey(room), string(p.ID), raw)
	pipe.Set(ctx, presenceKey(room, p.ID), 1, presenceTTL)
	pipe.Publish(ctx, eventsKey(room), "roster")
	if _, err := pipe.Exec(ctx); err != nil {
		return wrap(err)
	}
	return nil
}

func (s *RedisStore) UpdateParticipant(ctx context.Context, room domain.RoomID, id domain.PeerID, patch domain.ParticipantPatch) error {
	raw, err := s.rdb.HGet(ctx, participantsKey(room), string(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return wrap(err)
	}
	var p domain.Participant
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return err
	}
	applyPatch(&p, patch)
	out, err := json.Marshal(p)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, participantsKey(room), string(id), out)
	pipe.Publish(ctx, eventsKey(room), "roster")
	if _, err := pipe.Exec(ctx); err != nil {
		return wrap(err)
	}
	return nil
}

func (s *RedisStore) RemoveParticipant(ctx context.Context, room domain.RoomID, id domain.PeerID) error {
	pipe := s.rdb.TxPipeline()
	pipe.HDel(ctx, participantsKey(room), string(id))
	pipe.Del(ctx, presenceKey(room, id), mailboxKey(room, id), processingKey(room, id))
	pipe.Publish(ctx, eventsKey(room), "roster")
	if _, err := pipe.Exec(ctx); err != nil {
		return wrap(err)
	}
	return nil
}

// snapshot reads the hash and prunes records whose presence key expired.
func (s *RedisStore) snapshot(ctx context.Context, room domain.RoomID) (core.RosterSnapshot, error) {
	entries, err := s.rdb.HGetAll(ctx, participantsKey(room)).Result()
	if err != nil {
		return nil, wrap(err)
	}
	snap := make(core.RosterSnapshot, 0, len(entries))
	var stale []string
	for field, raw := range entries {
		alive, err := s.rdb.Exists(ctx, presenceKey(room, domain.PeerID(field))).Result()
		if err != nil {
			return nil, wrap(err)
		}
		if alive == 0 {
			stale = append(stale, field)
			continue
		}
		var p domain.Participant
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			log.Error().Err(err).Str("module", "roster.redis").Str("peer", field).Msg("malformed participant record, pruning")
			stale = append(stale, field)
			continue
		}
		snap = append(snap, p)
	}
	if len(stale) > 0 {
		if err := s.rdb.HDel(ctx, participantsKey(room), stale...).Err(); err != nil {
			log.Error().Err(err).Str("module", "roster.redis").Msg("prune stale participants")
		} else {
			s.rdb.Publish(ctx, eventsKey(room), "roster")
		}
	}
	return snap, nil
}

func (s *RedisStore) WatchRoster(ctx context.Context, room domain.RoomID) (<-chan core.RosterSnapshot, func(), error) {
	sub := s.rdb.Subscribe(ctx, eventsKey(room))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, wrap(err)
	}

	ctx, cancel := context.WithCancel(ctx)
	out := make(chan core.RosterSnapshot, watchBuffer)

	push := func() {
		snap, err := s.snapshot(ctx, room)
		if err != nil {
			log.Error().Err(err).Str("module", "roster.redis").Str("room", string(room)).Msg("snapshot failed")
			return
		}
		select {
		case out <- snap:
		default:
			select {
			case <-out:
			default:
			}
			select {
			case out <- snap:
			default:
			}
		}
	}

	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()
		push()
		ticker := time.NewTicker(watchPollFallback)
		defer ticker.Stop()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				push()
			case <-ticker.C:
				// Fallback poll also reaps presence-expired records.
				push()
			}
		}
	}()

	return out, cancel, nil
}

func (s *RedisStore) AppendSignal(ctx context.Context, room domain.RoomID, to domain.PeerID, env domain.SignalEnvelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := s.rdb.RPush(ctx, mailboxKey(room, to), raw).Err(); err != nil {
		return wrap(err)
	}
	return nil
}

func (s *RedisStore) ConsumeSignals(ctx context.Context, room domain.RoomID, self domain.PeerID, handler core.SignalHandler) error {
	inbox := mailboxKey(room, self)
	processing := processingKey(room, self)

	// Recover envelopes a previous crashed consumer left in processing.
	for {
		if _, err := s.rdb.RPopLPush(ctx, processing, inbox).Result(); err != nil {
			if errors.Is(err, redis.Nil) {
				break
			}
			return wrap(err)
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		raw, err := s.rdb.BLMove(ctx, inbox, processing, "LEFT", "RIGHT", consumeBlock).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error().Err(err).Str("module", "roster.redis").Msg("mailbox read failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		var env domain.SignalEnvelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			// Malformed: drop and log, never retried.
			log.Error().Err(err).Str("module", "roster.redis").Msg("malformed envelope dropped")
			s.rdb.LRem(ctx, processing, 1, raw)
			continue
		}

		if err := handler(env); err != nil {
			// Push back to the head of the inbox for redelivery.
			pipe := s.rdb.TxPipeline()
			pipe.LRem(ctx, processing, 1, raw)
			pipe.LPush(ctx, inbox, raw)
			if _, perr := pipe.Exec(ctx); perr != nil {
				log.Error().Err(perr).Str("module", "roster.redis").Msg("envelope requeue failed")
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		s.rdb.LRem(ctx, processing, 1, raw)
	}
}

// RegisterDisconnectCleanup keeps the presence key alive while ctx lives.
// When the heartbeat stops (clean cancel or process death) the key expires
// and snapshot pruning removes the record on every other client.
func (s *RedisStore) RegisterDisconnectCleanup(ctx context.Context, room domain.RoomID, id domain.PeerID) error {
	if err := s.rdb.Set(ctx, presenceKey(room, id), 1, presenceTTL).Err(); err != nil {
		return wrap(err)
	}
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.rdb.Set(context.Background(), presenceKey(room, id), 1, presenceTTL).Err(); err != nil {
					log.Error().Err(err).Str("module", "roster.redis").Str("peer", string(id)).Msg("presence heartbeat failed")
				}
			}
		}
	}()
	return nil
}
