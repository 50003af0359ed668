package changes

import (
	"bytes"
	"encoding/json"
	"strings"
)

// statTable accumulates per-file totals while preserving first-seen order.
type statTable struct {
	order []string
	stats map[string]*FileStat
}

func newStatTable() *statTable {
	return &statTable{stats: make(map[string]*FileStat)}
}

// register makes sure path is listed even when no numbers exist for it.
func (t *statTable) register(path string) *FileStat {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if stat, ok := t.stats[path]; ok {
		return stat
	}
	stat := &FileStat{Path: path}
	t.stats[path] = stat
	t.order = append(t.order, path)
	return stat
}

func (t *statTable) add(delta FileStat) {
	stat := t.register(delta.Path)
	if stat == nil {
		return
	}
	stat.Additions += delta.Additions
	stat.Deletions += delta.Deletions
	stat.Changes += delta.Changes
}

func (t *statTable) empty() bool {
	return len(t.order) == 0
}

func (t *statTable) files() []string {
	return append([]string(nil), t.order...)
}

func (t *statTable) list() []FileStat {
	out := make([]FileStat, 0, len(t.order))
	for _, path := range t.order {
		out = append(out, *t.stats[path])
	}
	return out
}

func tableFrom(stats []FileStat) *statTable {
	table := newStatTable()
	for _, stat := range stats {
		table.add(stat)
	}
	return table
}

type rawFileStat struct {
	Filename  string `json:"filename"`
	Path      string `json:"path"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	Changes   *int   `json:"changes"`
}

func (r rawFileStat) stat(fallbackPath string) FileStat {
	path := r.Filename
	if path == "" {
		path = r.Path
	}
	if path == "" {
		path = fallbackPath
	}
	changes := r.Additions + r.Deletions
	if r.Changes != nil {
		changes = *r.Changes
	}
	return FileStat{Path: path, Additions: r.Additions, Deletions: r.Deletions, Changes: changes}
}

// parseFileStats accepts either an array of {filename, additions, deletions, changes}
// or an object keyed by filename. Entries that are not objects are skipped.
func parseFileStats(raw json.RawMessage) []FileStat {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	switch raw[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil
		}
		out := make([]FileStat, 0, len(items))
		for _, item := range items {
			var entry rawFileStat
			if err := json.Unmarshal(item, &entry); err != nil {
				continue
			}
			stat := entry.stat("")
			if stat.Path == "" {
				continue
			}
			out = append(out, stat)
		}
		return out
	case '{':
		var keyed map[string]json.RawMessage
		if err := json.Unmarshal(raw, &keyed); err != nil {
			return nil
		}
		keys := orderedKeys(raw)
		out := make([]FileStat, 0, len(keyed))
		for _, key := range keys {
			value := bytes.TrimSpace(keyed[key])
			if len(value) == 0 || value[0] != '{' {
				continue
			}
			var entry rawFileStat
			if err := json.Unmarshal(value, &entry); err != nil {
				continue
			}
			out = append(out, entry.stat(key))
		}
		return out
	default:
		return nil
	}
}

// orderedKeys returns the top-level keys of a JSON object in document order.
func orderedKeys(raw json.RawMessage) []string {
	dec := json.NewDecoder(bytes.NewReader(raw))
	if _, err := dec.Token(); err != nil {
		return nil
	}
	var keys []string
	seen := make(map[string]struct{})
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return keys
		}
		key, ok := tok.(string)
		if !ok {
			return keys
		}
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return keys
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	return keys
}
