package heimdall

import (
	"context"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	// Limits concurrent background Redis writes.
	redisAsyncWriteSemCapacity = 256

	redisOpTimeout = 100 * time.Millisecond
)

// redisBackend is a remote response store, typically layered behind the
// memory backend as a shared second tier. Expiry is delegated to Redis
// key TTLs; the encoded value carries enough to rebuild a CacheEntry.
type redisBackend struct {
	client        *redis.Client
	opt           RedisBackendOptions
	asyncWriteSem chan struct{}
}

type RedisBackendOptions struct {
	RedisOptions redis.Options
	KeyPrefix    string

	// When true, writes are performed synchronously. Default is
	// best-effort background writes.
	SyncSet bool
}

var _ CacheBackend = (*redisBackend)(nil)

func NewRedisBackend(opt RedisBackendOptions) *redisBackend {
	return &redisBackend{
		client:        redis.NewClient(&opt.RedisOptions),
		opt:           opt,
		asyncWriteSem: make(chan struct{}, redisAsyncWriteSemCapacity),
	}
}

const (
	redisFormatVersion = 1
	redisHeaderSize    = 18
	redisFlagNegative  = 1 << 0
)

// encodeCacheEntry encodes an entry into a compact binary format:
// version u8 | flags u8 | inserted u64 unix-millis | expires u64
// unix-millis | packet wire bytes.
func encodeCacheEntry(entry *CacheEntry) ([]byte, error) {
	wire, err := entry.Msg.Pack()
	if err != nil {
		return nil, errors.Wrap(err, "failed to pack cached message")
	}
	result := make([]byte, redisHeaderSize+len(wire))
	result[0] = redisFormatVersion
	if entry.Negative {
		result[1] |= redisFlagNegative
	}
	binary.BigEndian.PutUint64(result[2:10], uint64(entry.Inserted.UnixMilli()))
	binary.BigEndian.PutUint64(result[10:18], uint64(entry.Expires.UnixMilli()))
	copy(result[redisHeaderSize:], wire)
	return result, nil
}

func decodeCacheEntry(b []byte) (*CacheEntry, error) {
	if len(b) < redisHeaderSize {
		return nil, fmt.Errorf("binary data too short: %d bytes", len(b))
	}
	if b[0] != redisFormatVersion {
		return nil, fmt.Errorf("unsupported binary format version: %d", b[0])
	}
	msg, err := ParsePacket(b[redisHeaderSize:])
	if err != nil {
		return nil, err
	}
	return &CacheEntry{
		Msg:      msg,
		Negative: b[1]&redisFlagNegative != 0,
		Inserted: time.UnixMilli(int64(binary.BigEndian.Uint64(b[2:10]))),
		Expires:  time.UnixMilli(int64(binary.BigEndian.Uint64(b[10:18]))),
	}, nil
}

func (b *redisBackend) key(key CacheKey) string {
	var sb strings.Builder
	sb.WriteString(b.opt.KeyPrefix)
	sb.WriteString(key.Name)
	sb.WriteByte(':')
	sb.WriteString(strconv.Itoa(int(key.Qtype)))
	sb.WriteByte(':')
	sb.WriteString(strconv.Itoa(int(key.Qclass)))
	return sb.String()
}

func (b *redisBackend) Get(ctx context.Context, key CacheKey) (*CacheEntry, bool) {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	value, err := b.client.Get(ctx, b.key(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			Log.WithError(err).Error("failed to read from redis")
		}
		return nil, false
	}
	entry, err := decodeCacheEntry(value)
	if err != nil {
		Log.WithError(err).Error("failed to decode cache record")
		return nil, false
	}
	return entry, true
}

func (b *redisBackend) Set(ctx context.Context, key CacheKey, entry *CacheEntry) {
	ttl := time.Until(entry.Expires)
	if ttl <= 0 {
		return
	}
	if b.opt.SyncSet {
		b.storeSync(key, entry, ttl)
		return
	}
	// Best-effort background write, skipped when the semaphore is full.
	select {
	case b.asyncWriteSem <- struct{}{}:
		go func() {
			defer func() { <-b.asyncWriteSem }()
			b.storeSync(key, entry, ttl)
		}()
	default:
	}
}

func (b *redisBackend) storeSync(key CacheKey, entry *CacheEntry, ttl time.Duration) {
	value, err := encodeCacheEntry(entry)
	if err != nil {
		Log.WithError(err).Error("failed to encode cache record")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := b.client.Set(ctx, b.key(key), value, ttl).Err(); err != nil {
		Log.WithError(err).Error("failed to write to redis")
	}
}

func (b *redisBackend) Remove(ctx context.Context, key CacheKey) {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	if err := b.client.Del(ctx, b.key(key)).Err(); err != nil {
		Log.WithError(err).Error("failed to delete from redis")
	}
}

func (b *redisBackend) Clear(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	iter := b.client.Scan(ctx, 0, b.opt.KeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		b.client.Del(ctx, iter.Val())
	}
	if err := iter.Err(); err != nil {
		Log.WithError(err).Error("failed to clear redis cache")
	}
}

func (b *redisBackend) Len(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	var count int
	iter := b.client.Scan(ctx, 0, b.opt.KeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		count++
	}
	return count
}

func (b *redisBackend) Close() error {
	return b.client.Close()
}
