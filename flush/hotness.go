package flush

import (
	"os"
	"strconv"

	json "github.com/goccy/go-json"

	"github.com/ysankpia/nervusdb-sub004/internal/shardmap"
)

// hotnessWire is the hotness.json encoding: a flat list of (primary
// value, count) pairs, keyed as a JSON object by decimal string since
// JSON object keys must be strings.
type hotnessWire struct {
	Counters map[string]int64 `json:"counters"`
}

func writeHotnessSnapshot(path string, m *shardmap.Map) error {
	w := hotnessWire{Counters: make(map[string]int64, m.Len())}
	m.Each(func(key uint64, value int64) {
		w.Counters[strconv.FormatUint(key, 10)] = value
	})
	data, err := json.Marshal(w)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadHotnessSnapshot populates m from path's snapshot, leaving m
// untouched if the file does not exist yet.
func LoadHotnessSnapshot(path string, m *shardmap.Map) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var w hotnessWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	for keyStr, v := range w.Counters {
		key, err := strconv.ParseUint(keyStr, 10, 64)
		if err != nil {
			continue
		}
		m.Set(key, v)
	}
	return nil
}
