// Copyright 2016 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

// Package disk implements the filesystem-backed store. Every key becomes a
// file under a per-namespace root directory; values are written through a
// tempfile-then-rename sequence so a reader never observes a partial write,
// and scope-level transactions are serialized with exclusive-create
// lockfiles under a reserved .locks directory.
package disk

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/kvstore/internal/logging"
	"github.com/example/kvstore/internal/metrics"
	"github.com/example/kvstore/key"
	"github.com/example/kvstore/store"
)

// LockFileName is the exclusive-create sentinel file used to serialize
// transactions on a scope.
const LockFileName = "lockfile.lock"

// LockDirName is the reserved top-level directory under a namespace root
// that holds per-scope lock directories. It is excluded from listings.
const LockDirName = ".locks"

// TmpDirName is the shared atomic-rename staging area under the base path.
const TmpDirName = "tmp"

// PollInterval is how long a lock waiter sleeps between acquisition
// attempts. The disk backend retries forever, per the design's tolerance
// for long-held locks across processes.
const PollInterval = 10 * time.Millisecond

// Store is a namespace-scoped view onto a base directory on disk.
type Store struct {
	base      string
	namespace key.Namespace
	root      string
	tmp       string
	log       logging.Logger
	metrics   *metrics.Store
}

// Option configures a Store returned by New.
type Option func(*Store)

// WithLogger sets the logger used for lock-wait diagnostics.
func WithLogger(l logging.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithMetrics attaches a metrics.Store the backend reports tempfile writes
// and lock waits against.
func WithMetrics(m *metrics.Store) Option {
	return func(s *Store) { s.metrics = m }
}

// New returns a disk-backed Store rooted at base/namespace, creating
// base/tmp if it does not already exist.
func New(base string, namespace key.Namespace, opts ...Option) (*Store, error) {
	tmp := filepath.Join(base, TmpDirName)
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return nil, store.Io(err, "cannot create tmp directory %q", tmp)
	}
	s := &Store{
		base:      base,
		namespace: namespace,
		root:      filepath.Join(base, namespace.String()),
		tmp:       tmp,
		log:       logging.NewNoOp(),
		metrics:   metrics.NoOp(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) String() string {
	return fmt.Sprintf("store.disk(%s)", s.root)
}

func (s *Store) keyPath(k key.Key) string {
	parts := make([]string, 0, len(k.Scope)+1)
	for _, seg := range k.Scope {
		parts = append(parts, seg.String())
	}
	parts = append(parts, k.Name.String())
	return filepath.Join(append([]string{s.root}, parts...)...)
}

func (s *Store) scopePath(sc key.Scope) string {
	parts := make([]string, 0, len(sc))
	for _, seg := range sc {
		parts = append(parts, seg.String())
	}
	return filepath.Join(append([]string{s.root}, parts...)...)
}

func (s *Store) lockPath(sc key.Scope) string {
	parts := make([]string, 0, len(sc)+1)
	parts = append(parts, LockDirName)
	for _, seg := range sc {
		parts = append(parts, seg.String())
	}
	return filepath.Join(append([]string{s.root}, parts...)...)
}

func pathExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// IsEmpty reports whether the namespace directory contains no entries.
func (s *Store) IsEmpty(_ context.Context) (bool, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, store.Io(err, "cannot read namespace root %q", s.root)
	}
	for _, e := range entries {
		if e.Name() == LockDirName {
			continue
		}
		return false, nil
	}
	return true, nil
}

// Has reports whether k exists.
func (s *Store) Has(_ context.Context, k key.Key) (bool, error) {
	return pathExists(s.keyPath(k)), nil
}

// HasScope reports whether the scope's directory exists.
func (s *Store) HasScope(_ context.Context, sc key.Scope) (bool, error) {
	return pathExists(s.scopePath(sc)), nil
}

// Get reads and parses the value stored under k.
func (s *Store) Get(_ context.Context, k key.Key) (json.RawMessage, bool, error) {
	path := s.keyPath(k)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, store.Io(err, "cannot read key %q", k.String())
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false, store.Serialization(err, "cannot decode value for key %q", k.String())
	}
	return json.RawMessage(raw), true, nil
}

// ListKeys recursively walks the scope's directory and returns every
// regular file as a decoded key, skipping the reserved lock directory.
func (s *Store) ListKeys(_ context.Context, sc key.Scope) ([]key.Key, error) {
	root := s.scopePath(sc)
	if !pathExists(root) {
		return nil, nil
	}
	var out []key.Key
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != s.root && d.Name() == LockDirName {
				return filepath.SkipDir
			}
			return nil
		}
		k, kerr := s.pathToKey(path)
		if kerr != nil {
			return kerr
		}
		out = append(out, k)
		return nil
	})
	if err != nil {
		return nil, store.Io(err, "cannot list keys under scope %q", sc.String())
	}
	return out, nil
}

// ListScopes walks the namespace root and returns every non-empty
// directory, excluding .locks, as a scope.
func (s *Store) ListScopes(_ context.Context) ([]key.Scope, error) {
	if !pathExists(s.root) {
		return nil, nil
	}
	var out []key.Scope
	var walk func(dir string) (bool, error)
	walk = func(dir string) (bool, error) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return false, err
		}
		nonEmpty := false
		for _, e := range entries {
			if !e.IsDir() {
				nonEmpty = true
				continue
			}
			if dir == s.root && e.Name() == LockDirName {
				continue
			}
			childPath := filepath.Join(dir, e.Name())
			childNonEmpty, err := walk(childPath)
			if err != nil {
				return false, err
			}
			if childNonEmpty {
				nonEmpty = true
				sc, serr := s.pathToScope(childPath)
				if serr != nil {
					return false, serr
				}
				out = append(out, sc)
			}
		}
		return nonEmpty, nil
	}
	if _, err := walk(s.root); err != nil {
		return nil, store.Io(err, "cannot list scopes")
	}
	sortScopes(out)
	return out, nil
}

// sortScopes orders scopes per key.Scope.Compare, the same lexicographic-by-
// segment ordering the memory and sql backends use for list_scopes (I6).
func sortScopes(scopes []key.Scope) {
	for i := 1; i < len(scopes); i++ {
		for j := i; j > 0 && scopes[j].Compare(scopes[j-1]) < 0; j-- {
			scopes[j], scopes[j-1] = scopes[j-1], scopes[j]
		}
	}
}

func (s *Store) pathToKey(path string) (key.Key, error) {
	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		return key.Key{}, store.Internal("cannot relativize path %q", path)
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	segs := make(key.Scope, 0, len(parts)-1)
	for _, p := range parts[:len(parts)-1] {
		seg, err := key.ParseSegment(p)
		if err != nil {
			return key.Key{}, store.WrapInvalidSegment(err)
		}
		segs = append(segs, seg)
	}
	name, err := key.ParseSegment(parts[len(parts)-1])
	if err != nil {
		return key.Key{}, store.WrapInvalidSegment(err)
	}
	return key.NewKey(segs, name), nil
}

func (s *Store) pathToScope(path string) (key.Scope, error) {
	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		return nil, store.Internal("cannot relativize path %q", path)
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	segs := make(key.Scope, 0, len(parts))
	for _, p := range parts {
		seg, err := key.ParseSegment(p)
		if err != nil {
			return nil, store.WrapInvalidSegment(err)
		}
		segs = append(segs, seg)
	}
	return segs, nil
}

// Store writes value to a uniquely named tempfile under the shared tmp
// directory, then renames it atomically over the target path.
func (s *Store) Store(_ context.Context, k key.Key, value json.RawMessage) error {
	if err := s.rejectLockScope(k.Scope); err != nil {
		return err
	}
	path := s.keyPath(k)
	dir := filepath.Dir(path)
	if !pathExists(dir) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return store.Io(err, "cannot create directory %q", dir)
		}
	}

	var pretty []byte
	if len(value) > 0 {
		var v interface{}
		if err := json.Unmarshal(value, &v); err != nil {
			return store.Serialization(err, "invalid JSON for key %q", k.String())
		}
		p, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return store.Serialization(err, "cannot encode value for key %q", k.String())
		}
		pretty = p
	}

	tmpPath := filepath.Join(s.tmp, uuid.NewString())
	if err := os.WriteFile(tmpPath, pretty, 0o644); err != nil {
		return store.Io(err, "cannot write tmp file for key %q", k.String())
	}
	s.metrics.TempFilesWritten.Inc()

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return store.Io(err, "cannot rename tmp file to %q", path)
	}
	return nil
}

func (s *Store) rejectLockScope(sc key.Scope) error {
	if len(sc) > 0 && sc[0].String() == LockDirName {
		return store.Internal("scope %q collides with the reserved lock directory", sc.String())
	}
	return nil
}

// MoveValue renames the file for from to the path for to.
func (s *Store) MoveValue(_ context.Context, from, to key.Key) error {
	fromPath := s.keyPath(from)
	if !pathExists(fromPath) {
		return store.UnknownKey(from)
	}
	toPath := s.keyPath(to)
	toDir := filepath.Dir(toPath)
	if !pathExists(toDir) {
		if err := os.MkdirAll(toDir, 0o755); err != nil {
			return store.Io(err, "cannot create directory %q", toDir)
		}
	}
	if err := os.Rename(fromPath, toPath); err != nil {
		return store.Io(err, "cannot move %q to %q", fromPath, toPath)
	}
	removeEmptyParents(filepath.Dir(fromPath), s.root)
	return nil
}

// MoveScope renames the directory for from to the directory for to.
func (s *Store) MoveScope(_ context.Context, from, to key.Scope) error {
	fromPath := s.scopePath(from)
	if !pathExists(fromPath) {
		return nil
	}
	toPath := s.scopePath(to)
	if !pathExists(filepath.Dir(toPath)) {
		if err := os.MkdirAll(filepath.Dir(toPath), 0o755); err != nil {
			return store.Io(err, "cannot create directory %q", filepath.Dir(toPath))
		}
	}
	if err := os.Rename(fromPath, toPath); err != nil {
		return store.Io(err, "cannot move scope %q to %q", fromPath, toPath)
	}
	removeEmptyParents(filepath.Dir(fromPath), s.root)
	return nil
}

// Delete removes the file for k, then walks ancestor directories upward
// removing each one that is now empty.
func (s *Store) Delete(_ context.Context, k key.Key) error {
	path := s.keyPath(k)
	if !pathExists(path) {
		return store.UnknownKey(k)
	}
	if err := os.Remove(path); err != nil {
		return store.Io(err, "cannot delete key %q", k.String())
	}
	removeEmptyParents(filepath.Dir(path), s.root)
	return nil
}

// DeleteScope removes the scope's directory subtree and cleans up any
// resulting empty ancestor directories.
func (s *Store) DeleteScope(_ context.Context, sc key.Scope) error {
	path := s.scopePath(sc)
	if !pathExists(path) {
		return nil
	}
	if err := os.RemoveAll(path); err != nil {
		return store.Io(err, "cannot delete scope %q", sc.String())
	}
	removeEmptyParents(filepath.Dir(path), s.root)
	return nil
}

// Clear removes the entire namespace root.
func (s *Store) Clear(_ context.Context) error {
	if !pathExists(s.root) {
		return nil
	}
	if err := os.RemoveAll(s.root); err != nil {
		return store.Io(err, "cannot clear namespace %q", s.namespace)
	}
	return nil
}

// MigrateNamespace renames the namespace root directory in place.
func (s *Store) MigrateNamespace(_ context.Context, to key.Namespace) error {
	if !pathExists(s.root) {
		return store.NamespaceMigration("source namespace %q does not exist", s.namespace)
	}
	newRoot := filepath.Join(s.base, to.String())
	if pathExists(newRoot) {
		entries, err := os.ReadDir(newRoot)
		if err != nil {
			return store.NamespaceMigration("cannot read target directory %q: %v", newRoot, err)
		}
		if len(entries) > 0 {
			return store.NamespaceMigration("target namespace %q already has entries", to)
		}
	}
	if err := os.Rename(s.root, newRoot); err != nil {
		return store.NamespaceMigration("cannot rename %q to %q: %v", s.root, newRoot, err)
	}
	s.root = newRoot
	s.namespace = to
	return nil
}

// Transaction acquires exclusive-create lockfiles for scope and every one
// of its prefixes (including the global scope), shallow to deep, retrying
// each every PollInterval until it succeeds, then runs body with the outer
// store as inner. Locking the full prefix chain (rather than only scope
// itself) is what makes two transactions on overlapping scopes - e.g. "a"
// and "a/b" - correctly serialize: the shorter scope's lockfile is shared
// by both. All lockfiles are released, deepest first, on return, including
// after a panic propagating through body. Writes made by body go straight to
// the filesystem and are not undone if body returns an error.
func (s *Store) Transaction(ctx context.Context, scope key.Scope, body store.TxnFunc) error {
	start := time.Now()
	locks, err := s.acquireLocks(scope)
	if err != nil {
		return err
	}
	s.metrics.LockWaitSeconds.Observe(time.Since(start).Seconds())
	defer releaseLocks(locks)

	return body(ctx, s)
}

type fileLock struct {
	path string
	f    *os.File
}

func (l *fileLock) release() {
	_ = l.f.Close()
	_ = os.Remove(l.path)
}

func releaseLocks(locks []*fileLock) {
	for i := len(locks) - 1; i >= 0; i-- {
		locks[i].release()
	}
}

// lockPrefixes returns the global scope followed by every non-empty prefix
// of scope, shallow to deep - the full chain of lockfiles a transaction on
// scope must hold.
func lockPrefixes(scope key.Scope) []key.Scope {
	prefixes := make([]key.Scope, 0, len(scope)+1)
	prefixes = append(prefixes, key.GlobalScope())
	prefixes = append(prefixes, scope.SubScopes()...)
	return prefixes
}

func (s *Store) acquireLocks(scope key.Scope) ([]*fileLock, error) {
	prefixes := lockPrefixes(scope)
	locks := make([]*fileLock, 0, len(prefixes))
	for _, p := range prefixes {
		lock, err := s.acquireSingleLock(p)
		if err != nil {
			releaseLocks(locks)
			return nil, err
		}
		locks = append(locks, lock)
	}
	return locks, nil
}

func (s *Store) acquireSingleLock(scope key.Scope) (*fileLock, error) {
	dir := s.lockPath(scope)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, store.Io(err, "cannot create lock directory %q", dir)
	}
	lockPath := filepath.Join(dir, LockFileName)

	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
		if err == nil {
			return &fileLock{path: lockPath, f: f}, nil
		}
		if !os.IsExist(err) {
			return nil, store.Io(err, "cannot create lockfile %q", lockPath)
		}
		s.metrics.LockRetries.Inc()
		s.log.Debug("lockfile %q held, retrying", lockPath)
		time.Sleep(PollInterval)
	}
}

// removeEmptyParents walks dir and its ancestors upward, removing each one
// that is empty, stopping at the first non-empty ancestor or at stopAt.
func removeEmptyParents(dir, stopAt string) {
	for {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := os.Remove(dir); err != nil {
			return
		}
		if dir == stopAt {
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}

var _ store.Store = (*Store)(nil)
