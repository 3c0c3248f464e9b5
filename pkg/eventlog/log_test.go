package eventlog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/domaindetermine/governance/pkg/errs"
	"github.com/domaindetermine/governance/pkg/signer"
)

func testMAC(t *testing.T) *signer.EventMAC {
	t.Helper()
	mac, err := signer.NewEventMAC([]byte("test-event-secret"))
	require.NoError(t, err)
	return mac
}

func fixedClock() func() time.Time {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	n := 0
	return func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
}

func TestMemoryLogAppendAssignsMonotonicSeq(t *testing.T) {
	log := NewMemoryLog(testMAC(t)).WithClock(fixedClock())
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		seq, err := log.Append(ctx, &Event{
			Tenant:    "acme",
			Actor:     "svc",
			Kind:      KindArtifactPublished,
			SubjectID: "art-1",
		})
		require.NoError(t, err)
		assert.Equal(t, uint64(i), seq)
	}

	// A second tenant starts its own chain at 1.
	seq, err := log.Append(ctx, &Event{Tenant: "other", Actor: "svc", Kind: KindJobEnqueued, SubjectID: "j1"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	head, err := log.Head(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), head)
}

func TestMemoryLogChainLinksAndVerify(t *testing.T) {
	log := NewMemoryLog(testMAC(t)).WithClock(fixedClock())
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := log.Append(ctx, &Event{
			Tenant:    "acme",
			Actor:     "svc",
			Kind:      KindJobCompleted,
			SubjectID: "job-1",
			Payload:   map[string]any{"attempt": i + 1},
		})
		require.NoError(t, err)
	}

	events, err := log.Range(ctx, "acme", 1, 0)
	require.NoError(t, err)
	require.Len(t, events, 4)

	assert.Empty(t, events[0].PrevHMAC)
	for i := 1; i < len(events); i++ {
		assert.Equal(t, events[i-1].HMAC, events[i].PrevHMAC)
	}

	n, err := log.VerifyChain(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), n)
}

func TestMemoryLogVerifyDetectsTamper(t *testing.T) {
	log := NewMemoryLog(testMAC(t)).WithClock(fixedClock())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := log.Append(ctx, &Event{Tenant: "acme", Actor: "svc", Kind: KindWaiverGranted, SubjectID: "w1"})
		require.NoError(t, err)
	}

	// Mutate a committed entry in place.
	log.tenants["acme"][1].Actor = "mallory"

	_, err := log.VerifyChain(ctx, "acme")
	require.Error(t, err)
	code, ok := errs.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, errs.NondeterministicOutput, code)
}

func TestMemoryLogRangeBounds(t *testing.T) {
	log := NewMemoryLog(testMAC(t)).WithClock(fixedClock())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := log.Append(ctx, &Event{Tenant: "acme", Actor: "svc", Kind: KindJobEnqueued, SubjectID: "j"})
		require.NoError(t, err)
	}

	events, err := log.Range(ctx, "acme", 2, 4)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, uint64(2), events[0].Seq)
	assert.Equal(t, uint64(4), events[2].Seq)

	events, err = log.Range(ctx, "acme", 9, 0)
	require.NoError(t, err)
	assert.Empty(t, events)

	events, err = log.Range(ctx, "unknown", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestFileLogAppendAndRange(t *testing.T) {
	dir := t.TempDir()
	log, err := NewFileLog(dir, testMAC(t))
	require.NoError(t, err)
	log.WithClock(fixedClock())
	defer func() { _ = log.Close() }()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		seq, err := log.Append(ctx, &Event{
			Tenant:    "acme",
			Actor:     "svc",
			Kind:      KindArtifactPublished,
			SubjectID: "art-1",
			Payload:   map[string]any{"version": "1.0.0"},
		})
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), seq)
	}

	events, err := log.Range(ctx, "acme", 1, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "1.0.0", events[0].Payload["version"])
	assert.Equal(t, events[0].HMAC, events[1].PrevHMAC)

	n, err := log.VerifyChain(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n)

	// Journal lives under events root per tenant shard layout.
	_, err = os.Stat(filepath.Join(dir, "acme", shardName))
	require.NoError(t, err)
}

func TestFileLogRecoversSeqAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	mac := testMAC(t)

	log, err := NewFileLog(dir, mac)
	require.NoError(t, err)
	log.WithClock(fixedClock())
	var lastMAC string
	for i := 0; i < 2; i++ {
		ev := &Event{Tenant: "acme", Actor: "svc", Kind: KindJobEnqueued, SubjectID: "j"}
		_, err := log.Append(ctx, ev)
		require.NoError(t, err)
		lastMAC = ev.HMAC
	}
	require.NoError(t, log.Close())

	reopened, err := NewFileLog(dir, mac)
	require.NoError(t, err)
	reopened.WithClock(fixedClock())
	defer func() { _ = reopened.Close() }()

	ev := &Event{Tenant: "acme", Actor: "svc", Kind: KindJobCompleted, SubjectID: "j"}
	seq, err := reopened.Append(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), seq)
	assert.Equal(t, lastMAC, ev.PrevHMAC)

	n, err := reopened.VerifyChain(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n)
}

func TestFileLogDiscardsPartialTrailingRecord(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	mac := testMAC(t)

	log, err := NewFileLog(dir, mac)
	require.NoError(t, err)
	log.WithClock(fixedClock())
	for i := 0; i < 2; i++ {
		_, err := log.Append(ctx, &Event{Tenant: "acme", Actor: "svc", Kind: KindJobEnqueued, SubjectID: "j"})
		require.NoError(t, err)
	}
	require.NoError(t, log.Close())

	// Simulate a crash mid-append: a torn record at the tail.
	path := filepath.Join(dir, "acme", shardName)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	require.NoError(t, err)
	_, err = f.Write([]byte{0, 0, 0, 0, 0, 0, 0, 3, 1, 2})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := NewFileLog(dir, mac)
	require.NoError(t, err)
	reopened.WithClock(fixedClock())
	defer func() { _ = reopened.Close() }()

	head, err := reopened.Head(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), head)

	seq, err := reopened.Append(ctx, &Event{Tenant: "acme", Actor: "svc", Kind: KindJobFailed, SubjectID: "j"})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), seq)

	n, err := reopened.VerifyChain(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n)
}

func TestFileLogDetectsCorruptedRecord(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	mac := testMAC(t)

	log, err := NewFileLog(dir, mac)
	require.NoError(t, err)
	log.WithClock(fixedClock())
	defer func() { _ = log.Close() }()
	for i := 0; i < 2; i++ {
		_, err := log.Append(ctx, &Event{Tenant: "acme", Actor: "svc", Kind: KindJobEnqueued, SubjectID: "j"})
		require.NoError(t, err)
	}

	// Flip one byte inside the first record's mac.
	path := filepath.Join(dir, "acme", shardName)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o600))

	_, err = log.Range(ctx, "acme", 1, 0)
	require.Error(t, err)
	code, ok := errs.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, errs.NondeterministicOutput, code)
}
