package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zwave-host/zwgo/pkg/cc"
	"github.com/zwave-host/zwgo/pkg/config"
)

const testHome = 0xC9015E77

func testStorage(t *testing.T, throttle config.Throttle) config.Storage {
	t.Helper()
	return config.Storage{
		CacheDir: t.TempDir(),
		Throttle: throttle,
	}
}

func openStore(t *testing.T, cfg config.Storage) *Store {
	t.Helper()
	s, err := Open(cfg, testHome, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func readLines(t *testing.T, path string) []record {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var recs []record
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var rec record
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		recs = append(recs, rec)
	}
	return recs
}

func TestOpenWritesCacheFormat(t *testing.T) {
	cfg := testStorage(t, config.ThrottleFast)
	openStore(t, cfg)

	recs := readLines(t, filepath.Join(cfg.CacheDir, "c9015e77.jsonl"))
	require.Len(t, recs, 1)
	assert.Equal(t, keyCacheFormat, recs[0].Key)
	assert.Equal(t, json.RawMessage("1"), recs[0].Value)
}

func TestOpenRejectsNewerFormat(t *testing.T) {
	cfg := testStorage(t, config.ThrottleFast)
	path := filepath.Join(cfg.CacheDir, "c9015e77.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"k":"cacheFormat","v":99}`+"\n"), 0644))

	_, err := Open(cfg, testHome, Options{})
	require.ErrorIs(t, err, ErrCacheFormat)
}

func TestRecordNodeStatus(t *testing.T) {
	cfg := testStorage(t, config.ThrottleFast)
	s := openStore(t, cfg)

	s.RecordNodeStatus(4, "ASLEEP")

	recs := readLines(t, filepath.Join(cfg.CacheDir, "c9015e77.jsonl"))
	require.Len(t, recs, 2)
	assert.Equal(t, "node.4.status", recs[1].Key)

	var v statusValue
	require.NoError(t, json.Unmarshal(recs[1].Value, &v))
	assert.Equal(t, "ASLEEP", v.Status)
	assert.False(t, v.Time.IsZero())
}

func TestRecordCommand(t *testing.T) {
	cfg := testStorage(t, config.ThrottleFast)
	s := openStore(t, cfg)

	s.RecordCommand(2, cc.New(2, cc.ClassBasic, cc.BasicReport, []byte{0x63}))

	recs := readLines(t, filepath.Join(cfg.CacheDir, "c9015e77.values.jsonl"))
	require.Len(t, recs, 1)
	assert.Equal(t, "node.2.command", recs[0].Key)

	var v commandValue
	require.NoError(t, json.Unmarshal(recs[0].Value, &v))
	assert.Equal(t, uint8(0x20), v.Class)
	assert.Equal(t, uint8(cc.BasicReport), v.Command)
	assert.Equal(t, "63", v.Payload)
}

func TestThrottleCoalesces(t *testing.T) {
	cfg := testStorage(t, config.ThrottleSlow)
	s := openStore(t, cfg)

	s.RecordNodeStatus(4, "AWAKE")
	s.RecordNodeStatus(4, "ASLEEP")

	// Pending records stay in memory inside the throttle window.
	recs := readLines(t, filepath.Join(cfg.CacheDir, "c9015e77.jsonl"))
	require.Len(t, recs, 1)

	require.NoError(t, s.Flush())
	recs = readLines(t, filepath.Join(cfg.CacheDir, "c9015e77.jsonl"))
	require.Len(t, recs, 3)
	assert.Equal(t, "node.4.status", recs[1].Key)
	assert.Equal(t, "node.4.status", recs[2].Key)
}

func TestThrottleTimerFlushes(t *testing.T) {
	cfg := testStorage(t, config.ThrottleNormal)
	s := openStore(t, cfg)

	s.RecordNodeStatus(7, "DEAD")

	assert.Eventually(t, func() bool {
		return len(readLines(t, filepath.Join(cfg.CacheDir, "c9015e77.jsonl"))) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestCloseFlushesAndReleasesLock(t *testing.T) {
	cfg := testStorage(t, config.ThrottleSlow)
	s, err := Open(cfg, testHome, Options{})
	require.NoError(t, err)

	s.RecordNodeStatus(3, "ALIVE")
	require.NoError(t, s.Close())

	recs := readLines(t, filepath.Join(cfg.CacheDir, "c9015e77.jsonl"))
	require.Len(t, recs, 2)

	assert.ErrorIs(t, s.Close(), ErrClosed)
	assert.ErrorIs(t, s.Flush(), ErrClosed)

	// The lock is free for the next instance.
	s2, err := Open(cfg, testHome, Options{})
	require.NoError(t, err)
	require.NoError(t, s2.Close())
}

func TestOpenLockedByOtherInstance(t *testing.T) {
	cfg := testStorage(t, config.ThrottleFast)
	openStore(t, cfg)

	_, err := Open(cfg, testHome, Options{})
	require.ErrorIs(t, err, ErrLocked)
}

func TestLockDirOverride(t *testing.T) {
	cfg := testStorage(t, config.ThrottleFast)
	cfg.LockDir = t.TempDir()
	s := openStore(t, cfg)
	_ = s

	_, err := os.Stat(filepath.Join(cfg.LockDir, "c9015e77.lock"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(cfg.CacheDir, "c9015e77.lock"))
	assert.True(t, os.IsNotExist(err))
}

func TestClearCache(t *testing.T) {
	cfg := testStorage(t, config.ThrottleFast)
	s, err := Open(cfg, testHome, Options{})
	require.NoError(t, err)
	s.RecordNodeStatus(2, "ALIVE")
	require.NoError(t, s.Close())

	cfg.ClearCache = true
	s2 := openStore(t, cfg)
	_ = s2

	recs := readLines(t, filepath.Join(cfg.CacheDir, "c9015e77.jsonl"))
	require.Len(t, recs, 1)
	assert.Equal(t, keyCacheFormat, recs[0].Key)
}

func TestReviveNetwork(t *testing.T) {
	cfg := testStorage(t, config.ThrottleFast)
	s, err := Open(cfg, testHome, Options{})
	require.NoError(t, err)
	s.RecordNodeStatus(2, "AWAKE")
	s.RecordNodeStatus(2, "ASLEEP")
	s.RecordNodeStatus(5, "ALIVE")
	require.NoError(t, s.Close())

	s2 := openStore(t, cfg)

	status := map[string]string{}
	err = s2.ReviveNetwork(Revivers{
		"node.*.status": func(key string, raw json.RawMessage) error {
			var v statusValue
			if err := json.Unmarshal(raw, &v); err != nil {
				return err
			}
			status[key] = v.Status
			return nil
		},
	})
	require.NoError(t, err)

	// Replay order means the last record per key wins.
	assert.Equal(t, map[string]string{
		"node.2.status": "ASLEEP",
		"node.5.status": "ALIVE",
	}, status)
}

func TestReviveExactKeyWinsOverWildcard(t *testing.T) {
	cfg := testStorage(t, config.ThrottleFast)
	s := openStore(t, cfg)
	s.RecordNetwork("node.9.status", statusValue{Status: "ALIVE"})

	var exact, wild bool
	err := s.ReviveNetwork(Revivers{
		"node.9.status": func(string, json.RawMessage) error { exact = true; return nil },
		"node.*.status": func(string, json.RawMessage) error { wild = true; return nil },
	})
	require.NoError(t, err)
	assert.True(t, exact)
	assert.False(t, wild)
}

func TestReviveMissingCache(t *testing.T) {
	cfg := testStorage(t, config.ThrottleFast)
	s := openStore(t, cfg)

	err := s.ReviveValues(Revivers{
		"node.*.command": func(string, json.RawMessage) error {
			t.Fatal("reviver called for missing cache")
			return nil
		},
	})
	require.NoError(t, err)
}

func TestReviveSkipsMalformedLines(t *testing.T) {
	cfg := testStorage(t, config.ThrottleFast)
	var reported []error
	s, err := Open(cfg, testHome, Options{OnError: func(err error) { reported = append(reported, err) }})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	path := filepath.Join(cfg.CacheDir, "c9015e77.metadata.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("not json\n{\"k\":\"a\",\"v\":1}\n"), 0644))

	var got int
	err = s.ReviveMetadata(Revivers{
		"a": func(_ string, raw json.RawMessage) error {
			return json.Unmarshal(raw, &got)
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, got)
	assert.Len(t, reported, 1)
}

func TestRecordAfterCloseDropped(t *testing.T) {
	cfg := testStorage(t, config.ThrottleFast)
	s, err := Open(cfg, testHome, Options{})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s.RecordNodeStatus(1, "ALIVE")

	recs := readLines(t, filepath.Join(cfg.CacheDir, "c9015e77.jsonl"))
	require.Len(t, recs, 1)
}
