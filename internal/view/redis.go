package view

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	// KeyPrefix is the Redis key prefix of mirrored view hashes.
	KeyPrefix = "livesync:view:"

	// ChannelPrefix is the pub/sub channel a change name is published on.
	ChannelPrefix = "livesync:view."

	// MirrorTTL is the time-to-live of a mirrored view.
	MirrorTTL = 1 * time.Hour
)

// Mirror stores view snapshots outside the process.
type Mirror interface {
	Store(ctx context.Context, instanceID string, change Change, snap Snapshot) error
}

// record is the hash layout of a mirrored view.
type record struct {
	ConversationID string `redis:"conversation_id"`
	ConnectionID   string `redis:"connection_id"`
	Conversation   string `redis:"conversation"`  // JSON
	Messages       string `redis:"messages"`      // JSON
	Conversations  string `redis:"conversations"` // JSON
	Stats          string `redis:"stats"`         // JSON
	Typing         string `redis:"typing"`        // comma-separated
	RefreshedAt    int64  `redis:"refreshed_at"`  // unix millis
}

// RedisMirror writes snapshots to a Redis hash per session instance and
// announces every change on a pub/sub channel, so companion tools can follow
// what the view shows.
type RedisMirror struct {
	client *redis.Client
	ttl    time.Duration
}

var _ Mirror = (*RedisMirror)(nil)

// NewRedisMirror connects to Redis and verifies the connection.
func NewRedisMirror(addr string) (*RedisMirror, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "view: redis connection failed")
	}
	return &RedisMirror{client: client, ttl: MirrorTTL}, nil
}

// NewRedisMirrorWithClient wraps an existing client.
func NewRedisMirrorWithClient(client *redis.Client) *RedisMirror {
	return &RedisMirror{client: client, ttl: MirrorTTL}
}

// Store writes snap under the instance's key and refreshes its TTL.
func (m *RedisMirror) Store(ctx context.Context, instanceID string, change Change, snap Snapshot) error {
	key := KeyPrefix + instanceID

	fields := map[string]interface{}{
		"conversation_id": snap.ConversationID,
		"connection_id":   snap.ConnectionID,
		"conversation":    marshal(snap.Conversation),
		"messages":        marshal(snap.Messages),
		"conversations":   marshal(snap.Conversations),
		"stats":           marshal(snap.Stats),
		"typing":          strings.Join(snap.Typing, ","),
		"refreshed_at":    snap.RefreshedAt.UnixMilli(),
	}

	pipe := m.client.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, m.ttl)
	pipe.Publish(ctx, ChannelPrefix+instanceID, string(change))
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "view: mirror %s", instanceID)
	}
	return nil
}

// Load reads a mirrored view back. It returns nil if nothing is stored.
func (m *RedisMirror) Load(ctx context.Context, instanceID string) (*Snapshot, error) {
	var rec record
	if err := m.client.HGetAll(ctx, KeyPrefix+instanceID).Scan(&rec); err != nil {
		return nil, errors.Wrapf(err, "view: load %s", instanceID)
	}
	if rec.RefreshedAt == 0 && rec.ConversationID == "" && rec.ConnectionID == "" {
		return nil, nil
	}

	snap := &Snapshot{
		ConversationID: rec.ConversationID,
		ConnectionID:   rec.ConnectionID,
	}
	if rec.RefreshedAt > 0 {
		snap.RefreshedAt = time.UnixMilli(rec.RefreshedAt)
	}
	if rec.Typing != "" {
		snap.Typing = strings.Split(rec.Typing, ",")
	}
	for _, f := range []struct {
		raw string
		v   interface{}
	}{
		{rec.Conversation, &snap.Conversation},
		{rec.Messages, &snap.Messages},
		{rec.Conversations, &snap.Conversations},
		{rec.Stats, &snap.Stats},
	} {
		if f.raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(f.raw), f.v); err != nil {
			return nil, errors.Wrapf(err, "view: decode %s", instanceID)
		}
	}
	return snap, nil
}

// Delete removes a mirrored view.
func (m *RedisMirror) Delete(ctx context.Context, instanceID string) error {
	return m.client.Del(ctx, KeyPrefix+instanceID).Err()
}

// Close closes the Redis connection.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}

func marshal(v interface{}) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}

// ---------------------------------------------------------------------------
// Syncer
// ---------------------------------------------------------------------------

type pending struct {
	change Change
	snap   Snapshot
}

// Syncer feeds a Mirror from the event loop without blocking it. Only the
// latest snapshot is kept while a write is in flight.
type Syncer struct {
	mirror     Mirror
	instanceID string
	timeout    time.Duration
	log        zerolog.Logger

	mu     sync.Mutex
	next   *pending
	wake   chan struct{}
	done   chan struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewSyncer starts a syncer writing to m under instanceID.
func NewSyncer(m Mirror, instanceID string, logger zerolog.Logger) *Syncer {
	s := &Syncer{
		mirror:     m,
		instanceID: instanceID,
		timeout:    5 * time.Second,
		log:        logger.With().Str("component", "view-mirror").Str("instance", instanceID).Logger(),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Push schedules snap for writing, replacing any snapshot not yet written.
func (s *Syncer) Push(change Change, snap Snapshot) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.next = &pending{change: change, snap: snap}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Close writes the last pending snapshot and stops the syncer.
func (s *Syncer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
	s.wg.Wait()
}

func (s *Syncer) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.wake:
			s.flush()
		case <-s.done:
			s.flush()
			return
		}
	}
}

func (s *Syncer) flush() {
	s.mu.Lock()
	p := s.next
	s.next = nil
	s.mu.Unlock()
	if p == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.mirror.Store(ctx, s.instanceID, p.change, p.snap); err != nil {
		s.log.Warn().Err(err).Str("change", string(p.change)).Msg("mirror write failed")
	}
}
