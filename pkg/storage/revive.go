package storage

import (
	"bufio"
	"encoding/json"
	"os"
	"strings"
)

// Reviver restores one cached value. The raw message is the value part
// of a record; the key that matched is passed alongside so a wildcard
// reviver can recover the variable segments.
type Reviver func(key string, raw json.RawMessage) error

// Revivers maps record keys to their reviver. A key segment of "*"
// matches any single segment, so "node.*.status" revives every node's
// status record. Exact keys win over wildcard keys.
type Revivers map[string]Reviver

func (r Revivers) lookup(key string) Reviver {
	if fn, ok := r[key]; ok {
		return fn
	}
	segs := strings.Split(key, ".")
	for pattern, fn := range r {
		if matchKey(strings.Split(pattern, "."), segs) {
			return fn
		}
	}
	return nil
}

func matchKey(pattern, segs []string) bool {
	if len(pattern) != len(segs) {
		return false
	}
	for i, p := range pattern {
		if p != "*" && p != segs[i] {
			return false
		}
	}
	return true
}

// ReviveNetwork replays the network cache through the revivers, last
// record per key winning by replay order. Unknown keys are skipped. A
// missing cache is treated as empty; malformed lines are skipped and
// reported through the error callback.
func (s *Store) ReviveNetwork(revivers Revivers) error {
	return s.revive(s.network.path, revivers, true)
}

// ReviveValues replays the value database through the revivers.
func (s *Store) ReviveValues(revivers Revivers) error {
	return s.revive(s.values.path, revivers, false)
}

// ReviveMetadata replays the metadata log through the revivers.
func (s *Store) ReviveMetadata(revivers Revivers) error {
	return s.revive(s.metadata.path, revivers, false)
}

func (s *Store) revive(path string, revivers Revivers, network bool) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		s.reportError(err)
		return nil
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			s.reportError(err)
			continue
		}
		if network && rec.Key == keyCacheFormat {
			continue
		}
		fn := revivers.lookup(rec.Key)
		if fn == nil {
			continue
		}
		if err := fn(rec.Key, rec.Value); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		s.reportError(err)
	}
	return nil
}

const maxLineSize = 1 << 20

// readCacheFormat scans for the version record of a network cache.
func readCacheFormat(path string) (version int, found bool, err error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for sc.Scan() {
		var rec record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		if rec.Key != keyCacheFormat {
			continue
		}
		var v int
		if err := json.Unmarshal(rec.Value, &v); err != nil {
			continue
		}
		return v, true, nil
	}
	return 0, false, sc.Err()
}
