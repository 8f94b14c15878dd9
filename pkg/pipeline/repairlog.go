package pipeline

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
)

// Repair outcomes recorded per (manifest, chunk, shard).
const (
	OutcomeRepaired = "repaired"
	OutcomeFailed   = "failed"
	OutcomeSkipped  = "skipped"
)

// defaultKeepLogs is how many daily log files survive pruning.
const defaultKeepLogs = 14

// RepairEntry is one line of the repair journal.
type RepairEntry struct {
	Time     int64  `json:"time"`
	Manifest string `json:"manifest"`
	Chunk    int    `json:"chunk"`
	Shard    int    `json:"shard"`
	Outcome  string `json:"outcome"`
	Reason   string `json:"reason,omitempty"`
}

// RepairLog is an append-only journal of repair outcomes, one JSON
// line per entry, one file per day. Successful repairs feed a seen set
// so repeated scans over the same manifest are idempotent.
type RepairLog struct {
	fs   afero.Fs
	dir  string
	keep int

	mu   sync.Mutex
	seen map[string]struct{}
}

// NewRepairLog opens (or creates) the journal directory and replays
// existing files into the seen set. keep <= 0 uses the default of 14
// files.
func NewRepairLog(fs afero.Fs, dir string, keep int) (*RepairLog, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if keep <= 0 {
		keep = defaultKeepLogs
	}
	if err := fs.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create repair log dir %s: %w", dir, err)
	}
	l := &RepairLog{
		fs:   fs,
		dir:  dir,
		keep: keep,
		seen: make(map[string]struct{}),
	}
	if err := l.replay(); err != nil {
		return nil, err
	}
	return l, nil
}

// Seen reports whether the shard was already repaired by an earlier
// run.
func (l *RepairLog) Seen(manifest ID, chunk, shard int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.seen[seenEntryKey(manifest.String(), chunk, shard)]
	return ok
}

// Append journals one outcome and folds it into the seen set.
func (l *RepairLog) Append(e RepairEntry) error {
	if e.Time == 0 {
		e.Time = time.Now().Unix()
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode repair entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	path := filepath.Join(l.dir, "repair-"+time.Unix(e.Time, 0).UTC().Format("20060102")+".jsonl")
	f, err := l.fs.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("open repair log %s: %w", path, err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("append repair log: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	if e.Outcome == OutcomeRepaired {
		l.seen[seenEntryKey(e.Manifest, e.Chunk, e.Shard)] = struct{}{}
	}
	return nil
}

// Prune removes all but the newest keep files.
func (l *RepairLog) Prune() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	files, err := l.logFiles()
	if err != nil {
		return err
	}
	if len(files) <= l.keep {
		return nil
	}
	// Names embed the date, so lexical order is age order.
	sort.Sort(sort.Reverse(sort.StringSlice(files)))
	for _, name := range files[l.keep:] {
		if err := l.fs.Remove(filepath.Join(l.dir, name)); err != nil {
			return fmt.Errorf("prune repair log %s: %w", name, err)
		}
	}
	return nil
}

func (l *RepairLog) replay() error {
	files, err := l.logFiles()
	if err != nil {
		return err
	}
	for _, name := range files {
		f, err := l.fs.Open(filepath.Join(l.dir, name))
		if err != nil {
			return err
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			var e RepairEntry
			if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
				// A torn tail line from a crash is not fatal.
				continue
			}
			if e.Outcome == OutcomeRepaired {
				l.seen[seenEntryKey(e.Manifest, e.Chunk, e.Shard)] = struct{}{}
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
	return nil
}

func (l *RepairLog) logFiles() ([]string, error) {
	infos, err := afero.ReadDir(l.fs, l.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, fi := range infos {
		if fi.IsDir() || !strings.HasSuffix(fi.Name(), ".jsonl") {
			continue
		}
		names = append(names, fi.Name())
	}
	sort.Strings(names)
	return names, nil
}

func seenEntryKey(manifest string, chunk, shard int) string {
	return fmt.Sprintf("%s/%d/%d", manifest, chunk, shard)
}
