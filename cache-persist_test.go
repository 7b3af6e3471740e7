package heimdall

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func storedEntry(t *testing.T, name string, ttl time.Duration) (CacheKey, *CacheEntry) {
	t.Helper()
	q := new(Packet)
	q.SetQuestion(name, TypeA)
	a := new(Packet)
	a.SetReply(q)
	a.Answer = []*RR{aRecord(name, uint32(ttl.Seconds()), "192.0.2.7")}
	now := time.Now()
	return cacheKeyFromQuery(q), &CacheEntry{
		Msg:      a,
		Inserted: now,
		Expires:  now.Add(ttl),
	}
}

func TestCachePersistence(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "cache.snap")
	ctx := context.Background()

	b := NewMemoryBackend(MemoryBackendOptions{})
	key, entry := storedEntry(t, "persist.com.", time.Hour)
	b.Set(ctx, key, entry)
	expiredKey, expiredEntry := storedEntry(t, "gone.com.", -time.Minute)
	b.Set(ctx, expiredKey, expiredEntry)

	require.NoError(t, b.saveToFile(filename))
	require.NoError(t, b.Close())

	// A fresh backend picks the snapshot up, without the expired entry.
	loaded := NewMemoryBackend(MemoryBackendOptions{Filename: filename})
	defer loaded.Close()
	require.Equal(t, 1, loaded.Len(ctx))

	got, ok := loaded.Get(ctx, key)
	require.True(t, ok)
	require.Equal(t, RcodeSuccess, got.Msg.Rcode)
	require.Len(t, got.Msg.Answer, 1)
	require.Equal(t, "persist.com.", got.Msg.Answer[0].Name)
	require.WithinDuration(t, entry.Expires, got.Expires, time.Millisecond)

	_, ok = loaded.Get(ctx, expiredKey)
	require.False(t, ok)
}

func TestCachePersistenceUnknownVersion(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "cache.snap")
	ctx := context.Background()

	b := NewMemoryBackend(MemoryBackendOptions{})
	defer b.Close()
	key, entry := storedEntry(t, "persist.com.", time.Hour)
	b.Set(ctx, key, entry)
	require.NoError(t, b.saveToFile(filename))

	// Bump the version field, the file must be refused entirely.
	data, err := os.ReadFile(filename)
	require.NoError(t, err)
	data[5] = 99
	require.NoError(t, os.WriteFile(filename, data, 0644))

	fresh := NewMemoryBackend(MemoryBackendOptions{})
	defer fresh.Close()
	require.Error(t, fresh.loadFromFile(filename))
	require.Equal(t, 0, fresh.Len(ctx))
}

func TestCachePersistenceBadMagic(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "cache.snap")
	require.NoError(t, os.WriteFile(filename, []byte("not a snapshot"), 0644))

	b := NewMemoryBackend(MemoryBackendOptions{})
	defer b.Close()
	require.Error(t, b.loadFromFile(filename))
}
