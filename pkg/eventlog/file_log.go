package eventlog

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/domaindetermine/governance/pkg/errs"
	"github.com/domaindetermine/governance/pkg/signer"
)

// shardName is the single active shard per tenant. The record format
// is shard-local, so adding time-based shard rotation later does not
// change the on-disk framing.
const shardName = "00000001.log"

// Record framing, all integers big-endian:
//
//	seq   uint64
//	ts    int64 (unix nanoseconds)
//	len   uint32 (canonical body length)
//	body  [len]byte (canonical event-without-hmac JSON)
//	hmac  [32]byte
const recordHeaderSize = 8 + 8 + 4

const macSize = 32

// FileLog is the filesystem journal: events/<tenant>/<shard>.log,
// append-only binary records. Appends hold a per-tenant mutex; the
// critical section is one HMAC computation plus one write.
type FileLog struct {
	root  string
	mac   *signer.EventMAC
	clock func() time.Time

	mu      sync.Mutex
	tenants map[string]*tenantShard
}

type tenantShard struct {
	mu      sync.Mutex
	f       *os.File
	seq     uint64
	lastMAC string
}

// NewFileLog opens (or creates) a journal rooted at dir.
func NewFileLog(dir string, mac *signer.EventMAC) (*FileLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("eventlog: ensure journal dir: %w", err)
	}
	return &FileLog{
		root:    dir,
		mac:     mac,
		clock:   time.Now,
		tenants: make(map[string]*tenantShard),
	}, nil
}

// WithClock injects a deterministic clock (tests).
func (l *FileLog) WithClock(clock func() time.Time) *FileLog {
	l.clock = clock
	return l
}

func (l *FileLog) shard(tenant string) (*tenantShard, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if s, ok := l.tenants[tenant]; ok {
		return s, nil
	}

	dir := filepath.Join(l.root, tenant)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("eventlog: ensure tenant dir: %w", err)
	}
	path := filepath.Join(dir, shardName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open shard: %w", err)
	}

	s := &tenantShard{f: f}
	if err := l.recover(s); err != nil {
		_ = f.Close()
		return nil, err
	}
	l.tenants[tenant] = s
	return s, nil
}

// recover scans the shard to find the last committed seq and hmac.
// A truncated trailing record (crash mid-append) is discarded.
func (l *FileLog) recover(s *tenantShard) error {
	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("eventlog: seek: %w", err)
	}

	var offset int64
	for {
		seq, _, _, mac, n, err := readRecord(s.f)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// Partial trailing record: drop it and recover to the last
			// complete entry.
			if truncErr := s.f.Truncate(offset); truncErr != nil {
				return fmt.Errorf("eventlog: truncate partial record: %w", truncErr)
			}
			break
		}
		s.seq = seq
		s.lastMAC = hex.EncodeToString(mac)
		offset += n
	}
	_, err := s.f.Seek(0, io.SeekEnd)
	return err
}

func (l *FileLog) Append(ctx context.Context, ev *Event) (uint64, error) {
	s, err := l.shard(ev.Tenant)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ev.Seq = s.seq + 1
	ev.PrevHMAC = s.lastMAC
	if ev.TS.IsZero() {
		ev.TS = l.clock().UTC()
	}

	body, err := ev.chainBytes()
	if err != nil {
		return 0, err
	}
	macHex, err := l.mac.Chain(ev.Tenant, ev.PrevHMAC, body)
	if err != nil {
		return 0, err
	}
	mac, _ := hex.DecodeString(macHex)

	offset, err := s.f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fmt.Errorf("eventlog: seek: %w", err)
	}
	if err := writeRecord(s.f, ev.Seq, ev.TS.UnixNano(), body, mac); err != nil {
		// Revert: no seq is assigned unless the record is durable.
		_ = s.f.Truncate(offset)
		return 0, fmt.Errorf("eventlog: append: %w", err)
	}
	if err := s.f.Sync(); err != nil {
		_ = s.f.Truncate(offset)
		return 0, fmt.Errorf("eventlog: sync: %w", err)
	}

	s.seq = ev.Seq
	s.lastMAC = macHex
	ev.HMAC = macHex
	return ev.Seq, nil
}

func (l *FileLog) Range(ctx context.Context, tenant string, from, to uint64) ([]Event, error) {
	s, err := l.shard(tenant)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if from == 0 {
		from = 1
	}

	f, err := os.Open(filepath.Join(l.root, tenant, shardName))
	if err != nil {
		return nil, fmt.Errorf("eventlog: open shard for read: %w", err)
	}
	defer func() { _ = f.Close() }()

	var out []Event
	for {
		seq, _, body, mac, _, err := readRecord(f)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, errs.Wrap(errs.NondeterministicOutput, err, "corrupt journal record")
		}
		if seq < from {
			continue
		}
		if to != 0 && seq > to {
			break
		}
		ev, err := decodeEntry(l.mac, tenant, body, hex.EncodeToString(mac))
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if out == nil {
		out = []Event{}
	}
	return out, nil
}

func (l *FileLog) Head(ctx context.Context, tenant string) (uint64, error) {
	s, err := l.shard(tenant)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq, nil
}

func (l *FileLog) VerifyChain(ctx context.Context, tenant string) (uint64, error) {
	events, err := l.Range(ctx, tenant, 1, 0)
	if err != nil {
		return 0, err
	}
	prev := ""
	for i, e := range events {
		if e.Seq != uint64(i)+1 {
			return uint64(i), errs.Newf(errs.NondeterministicOutput,
				"event chain break at tenant %s: seq gap before %d", tenant, e.Seq)
		}
		if e.PrevHMAC != prev {
			return uint64(i), errs.Newf(errs.NondeterministicOutput,
				"event chain break at tenant %s seq %d: prev_hmac mismatch", tenant, e.Seq)
		}
		prev = e.HMAC
	}
	return uint64(len(events)), nil
}

// Close closes every open shard.
func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var firstErr error
	for _, s := range l.tenants {
		s.mu.Lock()
		if err := s.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.mu.Unlock()
	}
	l.tenants = make(map[string]*tenantShard)
	return firstErr
}

func writeRecord(w io.Writer, seq uint64, tsNano int64, body, mac []byte) error {
	header := make([]byte, recordHeaderSize)
	binary.BigEndian.PutUint64(header[0:8], seq)
	binary.BigEndian.PutUint64(header[8:16], uint64(tsNano))
	binary.BigEndian.PutUint32(header[16:20], uint32(len(body)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	if _, err := w.Write(mac); err != nil {
		return err
	}
	return nil
}

func readRecord(r io.Reader) (seq uint64, tsNano int64, body, mac []byte, n int64, err error) {
	header := make([]byte, recordHeaderSize)
	if _, err = io.ReadFull(r, header); err != nil {
		return 0, 0, nil, nil, 0, err
	}
	seq = binary.BigEndian.Uint64(header[0:8])
	tsNano = int64(binary.BigEndian.Uint64(header[8:16]))
	bodyLen := binary.BigEndian.Uint32(header[16:20])

	body = make([]byte, bodyLen)
	if _, err = io.ReadFull(r, body); err != nil {
		return 0, 0, nil, nil, 0, err
	}
	mac = make([]byte, macSize)
	if _, err = io.ReadFull(r, mac); err != nil {
		return 0, 0, nil, nil, 0, err
	}
	n = recordHeaderSize + int64(bodyLen) + macSize
	return seq, tsNano, body, mac, n, nil
}
