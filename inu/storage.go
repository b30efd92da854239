package inu

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lmittmann/tint"
)

const (
	backendMemory = "memory"
	backendFile   = "file"
	backendSQLite = "sqlite"
	backendRemote = "remote"
)

// PutMode controls how Backend.Put treats an existing key.
type PutMode int

const (
	// PutCreate fails with ErrConflict if the key exists
	PutCreate PutMode = iota + 1
	// PutReplace fails with ErrNotFound if the key doesn't exist
	PutReplace
	// PutUpsert writes unconditionally
	PutUpsert
)

func (m PutMode) String() string {
	switch m {
	case PutCreate:
		return "create"
	case PutReplace:
		return "replace"
	case PutUpsert:
		return "upsert"
	default:
		return fmt.Sprintf("PutMode(%d)", int(m))
	}
}

// Entry is a single key/value pair yielded by Backend.Scan
type Entry struct {
	Key   string
	Value []byte
}

// UpdateFunc receives the current value of a key (exists is false if the
// key isn't set) and returns the value to store. It may be called more
// than once if the backend retries the update.
type UpdateFunc func(current []byte, exists bool) ([]byte, error)

// Backend is a namespaced key/value store. Every call is atomic with
// respect to other calls on the same namespace and key.
type Backend interface {
	// Get returns the value stored under key, or ErrNotFound
	Get(ctx context.Context, namespace, key string) ([]byte, error)

	// Put stores value under key. See PutMode for the conflict rules.
	// A failed PutCreate never mutates state.
	Put(ctx context.Context, namespace, key string, value []byte, mode PutMode) error

	// Delete removes key, or returns ErrNotFound
	Delete(ctx context.Context, namespace, key string) error

	// Scan lazily yields every entry in namespace whose key begins with
	// prefix. Order is sorted by key.
	Scan(ctx context.Context, namespace, prefix string) iter.Seq2[Entry, error]

	// Update atomically replaces the value of key with the result of fn.
	// Errors returned by fn are passed through unchanged, and nothing
	// is written.
	Update(ctx context.Context, namespace, key string, fn UpdateFunc) error

	// Flush makes all acknowledged writes durable
	Flush(ctx context.Context) error

	Close() error
}

// ChangeNotifier is implemented by backends which are shared between
// processes. Listen blocks until ctx is canceled, calling fn for each
// key written by another process.
type ChangeNotifier interface {
	Listen(ctx context.Context, fn func(namespace, key string)) error
}

// Compactor is implemented by backends that accumulate superseded records
type Compactor interface {
	Compact(ctx context.Context) error
}

var namespacePattern = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

func validateNamespace(namespace string) error {
	if !namespacePattern.MatchString(namespace) {
		return invalid("namespace", fmt.Sprintf("%q must match %s", namespace, namespacePattern))
	}
	return nil
}

// BackendSpec is a parsed TAG_STORE_BACKEND value
type BackendSpec struct {
	Kind     string
	Location string
}

func (b BackendSpec) String() string {
	if b.Location == "" {
		return b.Kind
	}
	return b.Kind + ":" + b.Location
}

func (b BackendSpec) LogValue() slog.Value {
	if b.Kind == backendRemote {
		// DSN may carry credentials
		return slog.StringValue(b.Kind + ":[redacted]")
	}
	return slog.StringValue(b.String())
}

// ParseBackendSpec parses one of `memory`, `file:<dir>`, `sqlite:<path>`
// or `remote:<postgres-url>`.
func ParseBackendSpec(s string) (BackendSpec, error) {
	s = strings.TrimSpace(s)
	kind, location, _ := strings.Cut(s, ":")
	spec := BackendSpec{Kind: strings.ToLower(kind), Location: location}

	switch spec.Kind {
	case backendMemory:
		if spec.Location != "" {
			return spec, invalid("backend", "memory backend takes no location")
		}
	case backendFile, backendSQLite:
		if spec.Location == "" {
			return spec, invalid("backend", fmt.Sprintf("%s backend requires a path", spec.Kind))
		}
	case backendRemote:
		if !strings.HasPrefix(spec.Location, "postgres://") &&
			!strings.HasPrefix(spec.Location, "postgresql://") {
			return spec, invalid(
				"backend",
				"remote backend requires a postgres:// or postgresql:// URL",
			)
		}
	default:
		return spec, invalid(
			"backend",
			fmt.Sprintf(
				"unknown backend %q (must be one of %s, %s:<dir>, %s:<path>, %s:<url>)",
				s, backendMemory, backendFile, backendSQLite, backendRemote,
			),
		)
	}
	return spec, nil
}

// OpenBackend constructs the backend described by spec, wrapped with
// per-call timeouts and error classification.
func OpenBackend(
	ctx context.Context,
	spec BackendSpec,
	config *TagStoreConfig,
	logger *slog.Logger,
) (Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var (
		b   Backend
		err error
	)
	switch spec.Kind {
	case backendMemory:
		b = NewMemoryBackend()
	case backendFile:
		b, err = OpenFileBackend(spec.Location, logger.With(loggerNameKey, "file_backend"))
	case backendSQLite:
		b, err = OpenDatabaseBackend(
			ctx, dbTypeSQLite, spec.Location, config, logger,
		)
	case backendRemote:
		b, err = OpenDatabaseBackend(
			ctx, dbTypePostgres, spec.Location, config, logger,
		)
	default:
		err = fmt.Errorf("unsupported backend: %s", spec.Kind)
	}
	if err != nil {
		return nil, err
	}
	timeout := DefaultTagStoreTimeout
	if config != nil && config.Timeout > 0 {
		timeout = config.Timeout
	}
	return newGuardedBackend(b, timeout, logger), nil
}

// guardedBackend applies a per-call timeout to the wrapped backend and
// turns unexpected failures into a *BackendError, logged once with a
// correlation ID.
type guardedBackend struct {
	backend Backend
	timeout time.Duration
	logger  *slog.Logger
}

func newGuardedBackend(b Backend, timeout time.Duration, logger *slog.Logger) *guardedBackend {
	if g, ok := b.(*guardedBackend); ok {
		return g
	}
	return &guardedBackend{
		backend: b,
		timeout: timeout,
		logger:  logger.With(loggerNameKey, "backend"),
	}
}

// Unwrap returns the underlying backend
func (g *guardedBackend) Unwrap() Backend {
	return g.backend
}

func (g *guardedBackend) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.timeout)
}

// classify passes through the deterministic error kinds and cancellation
// of the caller's own context. Anything else is unexpected.
func (g *guardedBackend) classify(
	parent context.Context,
	op, namespace, key string,
	err error,
) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrConflict),
		errors.Is(err, ErrInvalid),
		errors.Is(err, ErrBackendUnavailable):
		return err
	case errors.Is(err, context.Canceled) && parent.Err() != nil:
		return err
	}

	correlationID := uuid.NewString()
	g.logger.ErrorContext(
		parent,
		"backend operation failed",
		"op", op,
		"namespace", namespace,
		"key", key,
		"correlation_id", correlationID,
		tint.Err(err),
	)
	return &BackendError{CorrelationID: correlationID, Op: op, Err: err}
}

func (g *guardedBackend) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	callCtx, cancel := g.callContext(ctx)
	defer cancel()
	v, err := g.backend.Get(callCtx, namespace, key)
	return v, g.classify(ctx, "get", namespace, key, err)
}

func (g *guardedBackend) Put(
	ctx context.Context,
	namespace, key string,
	value []byte,
	mode PutMode,
) error {
	callCtx, cancel := g.callContext(ctx)
	defer cancel()
	err := g.backend.Put(callCtx, namespace, key, value, mode)
	return g.classify(ctx, "put:"+mode.String(), namespace, key, err)
}

func (g *guardedBackend) Delete(ctx context.Context, namespace, key string) error {
	callCtx, cancel := g.callContext(ctx)
	defer cancel()
	err := g.backend.Delete(callCtx, namespace, key)
	return g.classify(ctx, "delete", namespace, key, err)
}

func (g *guardedBackend) Scan(
	ctx context.Context,
	namespace, prefix string,
) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		callCtx, cancel := g.callContext(ctx)
		defer cancel()
		for e, err := range g.backend.Scan(callCtx, namespace, prefix) {
			if err != nil {
				yield(e, g.classify(ctx, "scan", namespace, prefix, err))
				return
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

func (g *guardedBackend) Update(
	ctx context.Context,
	namespace, key string,
	fn UpdateFunc,
) error {
	callCtx, cancel := g.callContext(ctx)
	defer cancel()

	var fnErr error
	err := g.backend.Update(
		callCtx, namespace, key, func(current []byte, exists bool) ([]byte, error) {
			v, e := fn(current, exists)
			fnErr = e
			return v, e
		},
	)
	if err != nil && fnErr != nil && errors.Is(err, fnErr) {
		return err
	}
	return g.classify(ctx, "update", namespace, key, err)
}

func (g *guardedBackend) Flush(ctx context.Context) error {
	return g.classify(ctx, "flush", "", "", g.backend.Flush(ctx))
}

func (g *guardedBackend) Close() error {
	return g.backend.Close()
}

func (g *guardedBackend) Listen(ctx context.Context, fn func(namespace, key string)) error {
	n, ok := g.backend.(ChangeNotifier)
	if !ok {
		<-ctx.Done()
		return nil
	}
	return n.Listen(ctx, fn)
}

func (g *guardedBackend) Compact(ctx context.Context) error {
	c, ok := g.backend.(Compactor)
	if !ok {
		return invalid("backend", "compaction is not supported by this backend")
	}
	return g.classify(ctx, "compact", "", "", c.Compact(ctx))
}

// compactor returns the Compactor for b, if the underlying backend
// supports compaction.
func compactor(b Backend) (Compactor, bool) {
	if g, ok := b.(*guardedBackend); ok {
		b = g.backend
		if _, ok = b.(Compactor); ok {
			return g, true
		}
		return nil, false
	}
	c, ok := b.(Compactor)
	return c, ok
}

// notifier returns the ChangeNotifier for b, if the underlying backend
// broadcasts changes.
func notifier(b Backend) (ChangeNotifier, bool) {
	if g, ok := b.(*guardedBackend); ok {
		b = g.backend
	}
	n, ok := b.(ChangeNotifier)
	if !ok {
		return nil, false
	}
	if d, isDB := n.(*DatabaseBackend); isDB && !d.notifies() {
		return nil, false
	}
	return n, true
}
