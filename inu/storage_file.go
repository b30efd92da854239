package inu

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
)

const (
	fileBackendExt = ".log"

	// namespaces are compacted automatically once they hold at least
	// this many superseded records, and more dead records than live ones
	fileAutoCompactMin = 1024
)

// fileRecord is a single line in a namespace log
type fileRecord struct {
	Key       string `json:"key"`
	Value     []byte `json:"value,omitempty"`
	Timestamp int64  `json:"ts"`
	Deleted   bool   `json:"deleted,omitempty"`
}

type fileNamespace struct {
	file *os.File
	live map[string][]byte
	dead int
}

// FileBackend persists each namespace as an append-only log of JSON
// records, one per line, in dir. The full state is replayed into memory
// on open: later records for a key supersede earlier ones.
type FileBackend struct {
	dir        string
	mu         sync.RWMutex
	namespaces map[string]*fileNamespace
	logger     *slog.Logger
	closed     bool

	// SyncWrites calls fsync after every append
	SyncWrites bool
}

// OpenFileBackend creates dir if needed and replays every namespace log
// found in it.
func OpenFileBackend(dir string, logger *slog.Logger) (*FileBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	f := &FileBackend{
		dir:        dir,
		namespaces: map[string]*fileNamespace{},
		logger:     logger,
	}

	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading data dir: %w", err)
	}
	for _, entry := range files {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != fileBackendExt {
			continue
		}
		namespace := strings.TrimSuffix(name, fileBackendExt)
		if validateNamespace(namespace) != nil {
			logger.Warn("skipping unrecognized file", "file", name)
			continue
		}
		ns, loadErr := f.load(namespace)
		if loadErr != nil {
			_ = f.Close()
			return nil, fmt.Errorf("loading namespace %q: %w", namespace, loadErr)
		}
		f.namespaces[namespace] = ns
	}
	return f, nil
}

func (f *FileBackend) path(namespace string) string {
	return filepath.Join(f.dir, namespace+fileBackendExt)
}

func (f *FileBackend) load(namespace string) (*fileNamespace, error) {
	fh, err := os.OpenFile(f.path(namespace), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	ns := &fileNamespace{file: fh, live: map[string][]byte{}}

	reader := bufio.NewReader(fh)
	lineNo := 0
	var validOffset int64
	for {
		line, readErr := reader.ReadBytes('\n')
		if len(line) > 0 {
			lineNo++
			if !bytes.HasSuffix(line, []byte("\n")) {
				f.logger.Warn(
					"discarding incomplete trailing record",
					"namespace", namespace,
					"line", lineNo,
				)
				break
			}
			var rec fileRecord
			if e := json.Unmarshal(line, &rec); e != nil {
				f.logger.Warn(
					"skipping corrupt record",
					"namespace", namespace,
					"line", lineNo,
					tint.Err(e),
				)
				validOffset += int64(len(line))
				ns.dead++
				continue
			}
			validOffset += int64(len(line))
			if _, exists := ns.live[rec.Key]; exists {
				ns.dead++
			}
			if rec.Deleted {
				delete(ns.live, rec.Key)
				ns.dead++
			} else {
				ns.live[rec.Key] = rec.Value
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			_ = fh.Close()
			return nil, readErr
		}
	}

	// drop any torn write so new records start on a fresh line
	if err = fh.Truncate(validOffset); err != nil {
		_ = fh.Close()
		return nil, err
	}
	if _, err = fh.Seek(validOffset, io.SeekStart); err != nil {
		_ = fh.Close()
		return nil, err
	}
	f.logger.Debug(
		"loaded namespace",
		"namespace", namespace,
		"live", len(ns.live),
		"dead", ns.dead,
	)
	return ns, nil
}

// namespace returns the open namespace, creating its log if needed.
// Caller must hold f.mu for writing.
func (f *FileBackend) namespace(namespace string) (*fileNamespace, error) {
	if f.closed {
		return nil, errors.New("file backend closed")
	}
	if ns, ok := f.namespaces[namespace]; ok {
		return ns, nil
	}
	if err := validateNamespace(namespace); err != nil {
		return nil, err
	}
	ns, err := f.load(namespace)
	if err != nil {
		return nil, err
	}
	f.namespaces[namespace] = ns
	return ns, nil
}

// appendRecord writes rec to the namespace log. The in-memory state is
// only updated by the caller after this succeeds.
func (f *FileBackend) appendRecord(ns *fileNamespace, rec fileRecord) error {
	rec.Timestamp = time.Now().UTC().UnixNano()
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err = ns.file.Write(data); err != nil {
		return err
	}
	if f.SyncWrites {
		return ns.file.Sync()
	}
	return nil
}

func (f *FileBackend) Get(_ context.Context, namespace, key string) ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	ns, ok := f.namespaces[namespace]
	if !ok {
		return nil, ErrNotFound
	}
	v, ok := ns.live[key]
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(v), nil
}

func (f *FileBackend) Put(
	ctx context.Context,
	namespace, key string,
	value []byte,
	mode PutMode,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	ns, err := f.namespace(namespace)
	if err != nil {
		return err
	}
	_, exists := ns.live[key]
	if err = checkPutMode(mode, exists); err != nil {
		return err
	}
	if err = f.appendRecord(ns, fileRecord{Key: key, Value: value}); err != nil {
		return err
	}
	if exists {
		ns.dead++
	}
	ns.live[key] = slices.Clone(value)
	f.maybeCompact(ctx, namespace, ns)
	return nil
}

func (f *FileBackend) Delete(ctx context.Context, namespace, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	ns, ok := f.namespaces[namespace]
	if !ok {
		return ErrNotFound
	}
	if _, exists := ns.live[key]; !exists {
		return ErrNotFound
	}
	if err := f.appendRecord(ns, fileRecord{Key: key, Deleted: true}); err != nil {
		return err
	}
	delete(ns.live, key)
	ns.dead += 2
	f.maybeCompact(ctx, namespace, ns)
	return nil
}

func (f *FileBackend) Scan(
	ctx context.Context,
	namespace, prefix string,
) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		f.mu.RLock()
		var entries []Entry
		if ns, ok := f.namespaces[namespace]; ok {
			for k, v := range ns.live {
				if strings.HasPrefix(k, prefix) {
					entries = append(entries, Entry{Key: k, Value: slices.Clone(v)})
				}
			}
		}
		f.mu.RUnlock()

		slices.SortFunc(entries, compareEntries)
		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				yield(Entry{}, err)
				return
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

func (f *FileBackend) Update(
	ctx context.Context,
	namespace, key string,
	fn UpdateFunc,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	ns, err := f.namespace(namespace)
	if err != nil {
		return err
	}
	current, exists := ns.live[key]
	next, err := fn(slices.Clone(current), exists)
	if err != nil {
		return err
	}
	if err = f.appendRecord(ns, fileRecord{Key: key, Value: next}); err != nil {
		return err
	}
	if exists {
		ns.dead++
	}
	ns.live[key] = slices.Clone(next)
	f.maybeCompact(ctx, namespace, ns)
	return nil
}

func (f *FileBackend) Flush(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var errs []error
	for _, ns := range f.namespaces {
		errs = append(errs, ns.file.Sync())
	}
	return errors.Join(errs...)
}

func (f *FileBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true
	var errs []error
	for _, ns := range f.namespaces {
		errs = append(errs, ns.file.Sync(), ns.file.Close())
	}
	return errors.Join(errs...)
}

// Compact rewrites every namespace log that holds superseded records
func (f *FileBackend) Compact(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for name, ns := range f.namespaces {
		if ns.dead == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := f.compactNamespace(name, ns); err != nil {
			return fmt.Errorf("compacting %q: %w", name, err)
		}
	}
	return nil
}

func (f *FileBackend) maybeCompact(ctx context.Context, name string, ns *fileNamespace) {
	if ns.dead < fileAutoCompactMin || ns.dead <= len(ns.live) {
		return
	}
	if err := f.compactNamespace(name, ns); err != nil {
		f.logger.ErrorContext(ctx, "automatic compaction failed", "namespace", name, tint.Err(err))
	}
}

// compactNamespace writes the live records to a temp file and renames it
// over the log. The temp file's handle becomes the namespace's append
// handle, so once the rename succeeds there's nothing left to reopen.
// Caller must hold f.mu for writing.
func (f *FileBackend) compactNamespace(name string, ns *fileNamespace) error {
	start := time.Now()
	target := f.path(name)
	tempPath := target + ".tmp"

	tmp, err := os.OpenFile(
		tempPath,
		os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND,
		0o644,
	)
	if err != nil {
		return err
	}
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tempPath)
	}

	keys := make([]string, 0, len(ns.live))
	for k := range ns.live {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	w := bufio.NewWriter(tmp)
	ts := time.Now().UTC().UnixNano()
	for _, k := range keys {
		data, e := json.Marshal(fileRecord{Key: k, Value: ns.live[k], Timestamp: ts})
		if e != nil {
			cleanup()
			return e
		}
		data = append(data, '\n')
		if _, e = w.Write(data); e != nil {
			cleanup()
			return e
		}
	}
	if err = w.Flush(); err != nil {
		cleanup()
		return err
	}
	if err = tmp.Sync(); err != nil {
		cleanup()
		return err
	}
	if err = os.Rename(tempPath, target); err != nil {
		cleanup()
		return err
	}

	if err = ns.file.Close(); err != nil {
		f.logger.Warn("error closing replaced log", "namespace", name, tint.Err(err))
	}
	ns.file = tmp

	f.logger.Info(
		"compacted namespace",
		"namespace", name,
		"dropped", ns.dead,
		"live", len(ns.live),
		"duration", time.Since(start),
	)
	ns.dead = 0
	return nil
}
