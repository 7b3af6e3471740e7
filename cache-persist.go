package heimdall

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// Cache snapshots are a versioned binary container:
//
//	magic "HDLC" | version u16 | entry count u32 | entries
//
// with each entry
//
//	name len u16 + bytes | qtype u16 | qclass u16 |
//	expires u64 unix-millis | packet len u16 + bytes
//
// Loaders refuse unknown versions without partial population, and
// entries already past their expiry are skipped on both ends.

var snapshotMagic = [4]byte{'H', 'D', 'L', 'C'}

const snapshotVersion = 1

type snapshotEntry struct {
	key     CacheKey
	expires time.Time
	msg     []byte
}

func (b *memoryBackend) saveToFile(filename string) (err error) {
	log := Log.WithField("filename", filename)
	log.Info("writing cache snapshot")

	var entries []snapshotEntry
	now := time.Now()
	for i := range b.shards {
		shard := &b.shards[i]
		shard.mu.Lock()
		for k, e := range shard.entries {
			if e.expired(now) {
				continue
			}
			msg, err := e.Msg.Pack()
			if err != nil || len(msg) > MaxMsgSize {
				continue
			}
			entries = append(entries, snapshotEntry{key: k, expires: e.Expires, msg: msg})
		}
		shard.mu.Unlock()
	}

	f, err := os.CreateTemp(filepath.Dir(filename), "heimdall-cache")
	if err != nil {
		return errors.Wrap(err, "failed to create cache snapshot")
	}
	defer func() {
		tmpName := f.Name()
		f.Close()
		if err == nil {
			err = os.Rename(tmpName, filename)
		}
		os.Remove(tmpName)
	}()

	w := bufio.NewWriter(f)
	if _, err := w.Write(snapshotMagic[:]); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint16(snapshotVersion)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(entries))); err != nil {
		return err
	}
	for _, e := range entries {
		if err := writeSnapshotEntry(w, e); err != nil {
			return err
		}
	}
	return w.Flush()
}

func writeSnapshotEntry(w io.Writer, e snapshotEntry) error {
	if err := binary.Write(w, binary.BigEndian, uint16(len(e.key.Name))); err != nil {
		return err
	}
	if _, err := io.WriteString(w, e.key.Name); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, e.key.Qtype); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, e.key.Qclass); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint64(e.expires.UnixMilli())); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint16(len(e.msg))); err != nil {
		return err
	}
	_, err := w.Write(e.msg)
	return err
}

func (b *memoryBackend) loadFromFile(filename string) error {
	f, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return errors.Wrap(err, "failed to read cache snapshot header")
	}
	if magic != snapshotMagic {
		return errors.New("not a cache snapshot file")
	}
	var version uint16
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return err
	}
	if version != snapshotVersion {
		return errors.Errorf("unsupported cache snapshot version %d", version)
	}
	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return err
	}

	now := time.Now()
	var loaded int
	for i := uint32(0); i < count; i++ {
		e, err := readSnapshotEntry(r)
		if err != nil {
			return errors.Wrap(err, "corrupt cache snapshot entry")
		}
		if now.After(e.expires) {
			continue
		}
		msg, err := ParsePacket(e.msg)
		if err != nil {
			continue
		}
		// The remaining lifetime is what the snapshot recorded; clamp
		// record TTLs so a reloaded entry never outlives it.
		remaining := uint32(e.expires.Sub(now).Seconds())
		for _, section := range [][]*RR{msg.Answer, msg.Ns, msg.Extra} {
			for _, rr := range section {
				if rr.Type != TypeOPT && rr.TTL > remaining {
					rr.TTL = remaining
				}
			}
		}
		entry := &CacheEntry{
			Msg:      msg,
			Inserted: now,
			Expires:  e.expires,
			Negative: msg.Rcode == RcodeNameError || len(msg.Answer) == 0,
		}
		key := NewCacheKey(e.key.Name, e.key.Qtype, e.key.Qclass)
		shard := b.shardFor(key)
		shard.mu.Lock()
		if _, existed := shard.entries[key]; !existed {
			loaded++
			atomic.AddInt64(&b.count, 1)
		}
		shard.entries[key] = entry
		shard.mu.Unlock()
	}
	Log.WithField("filename", filename).WithField("entries", loaded).Info("loaded cache snapshot")
	return nil
}

func readSnapshotEntry(r io.Reader) (snapshotEntry, error) {
	var e snapshotEntry
	var nameLen uint16
	if err := binary.Read(r, binary.BigEndian, &nameLen); err != nil {
		return e, err
	}
	name := make([]byte, nameLen)
	if _, err := io.ReadFull(r, name); err != nil {
		return e, err
	}
	e.key.Name = string(name)
	if err := binary.Read(r, binary.BigEndian, &e.key.Qtype); err != nil {
		return e, err
	}
	if err := binary.Read(r, binary.BigEndian, &e.key.Qclass); err != nil {
		return e, err
	}
	var expires uint64
	if err := binary.Read(r, binary.BigEndian, &expires); err != nil {
		return e, err
	}
	e.expires = time.UnixMilli(int64(expires))
	var msgLen uint16
	if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
		return e, err
	}
	e.msg = make([]byte, msgLen)
	if _, err := io.ReadFull(r, e.msg); err != nil {
		return e, err
	}
	return e, nil
}
