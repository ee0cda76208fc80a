// Package refstore implements the ref storage layer: direct and
// symbolic references backed by loose files under refs/ (and HEAD),
// with a packed-refs fallback for refs that have been folded together
// by the garbage collector.
package refstore

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/arathorn/vcsengine/githash"
	"github.com/arathorn/vcsengine/internal/errutil"
	"github.com/arathorn/vcsengine/internal/gitpath"
	"github.com/arathorn/vcsengine/internal/syncutil"
	"github.com/spf13/afero"
	"golang.org/x/xerrors"
)

// Common ref names
const (
	Head           = "HEAD"
	OrigHead       = "ORIG_HEAD"
	MergeHead      = "MERGE_HEAD"
	CherryPickHead = "CHERRY_PICK_HEAD"
	Master         = "master"
)

// maxSymbolicDepth bounds how many symbolic hops resolve() follows
// before giving up, per the spec's default depth ceiling.
const maxSymbolicDepth = 5

var (
	// ErrRefNotFound is returned when acting on a reference that
	// doesn't exist.
	ErrRefNotFound = errors.New("reference not found")
	// ErrRefExists is returned when a reference that should not
	// exist already does.
	ErrRefExists = errors.New("reference already exists")
	// ErrRefNameInvalid is returned when a reference name fails
	// validation.
	ErrRefNameInvalid = errors.New("reference name is not valid")
	// ErrRefInvalid is returned when a reference's stored content
	// cannot be parsed.
	ErrRefInvalid = errors.New("reference is not valid")
	// ErrPackedRefInvalid is returned when packed-refs cannot be
	// parsed.
	ErrPackedRefInvalid = errors.New("packed-refs file is invalid")
	// ErrUnknownRefType is returned for a Reference with no known Type.
	ErrUnknownRefType = errors.New("unknown reference type")
	// ErrTooManySymbolicHops is returned when resolve() exceeds the
	// symbolic-reference depth ceiling.
	ErrTooManySymbolicHops = errors.New("too many levels of symbolic references")
	// ErrCASMismatch is returned by CompareAndSwap when the observed
	// value doesn't match expectedOld.
	ErrCASMismatch = errors.New("compare-and-swap: unexpected current value")
)

// Type distinguishes a direct ref (points at an object ID) from a
// symbolic one (points at another ref name).
type Type int8

const (
	// Direct targets an Oid.
	Direct Type = 1
	// Symbolic targets another reference.
	Symbolic Type = 2
)

// Ref is a single git reference, raw: it is never itself a resolved
// chain, see Store.Resolve for that.
type Ref struct {
	name   string
	target string
	id     githash.Oid
	typ    Type
}

// NewRef builds a direct reference pointing at an object ID.
func NewRef(name string, target githash.Oid) *Ref {
	return &Ref{typ: Direct, name: name, id: target}
}

// NewSymbolicRef builds a reference pointing at another reference.
func NewSymbolicRef(name, target string) *Ref {
	return &Ref{typ: Symbolic, name: name, target: target}
}

// Name returns the full name of the reference, e.g. refs/heads/main.
func (r *Ref) Name() string { return r.name }

// Target returns the object ID a direct reference points to.
func (r *Ref) Target() githash.Oid { return r.id }

// SymbolicTarget returns the ref name a symbolic reference points to.
func (r *Ref) SymbolicTarget() string { return r.target }

// Type returns whether the reference is Direct or Symbolic.
func (r *Ref) Type() Type { return r.typ }

// IsRefNameValid reports whether name is usable as a reference name.
// https://stackoverflow.com/a/12093994/382879
func IsRefNameValid(name string) bool {
	if name == "" || name == "/" || name[len(name)-1] == '/' || name[len(name)-1] == '.' {
		return false
	}

	for i, c := range name {
		if c < 32 || c == 127 {
			return false
		}
		if c == '*' || c == '?' || c == '!' || c == '^' {
			return false
		}
		if c == ' ' || c == '[' || c == '\\' || c == ':' {
			return false
		}
		if i < len(name)-1 {
			substr := name[i : i+2]
			if substr == "@{" || substr == ".." {
				return false
			}
		}
	}

	segments := strings.Split(name, "/")
	for _, s := range segments {
		if s == "" || s[0] == '.' || s[len(s)-1] == '.' || strings.HasSuffix(s, ".lock") {
			return false
		}
	}

	return true
}

// Store is the ref storage layer for a single repository root. It is
// the only primitive offering linearizable, cross-reader visibility
// of ref changes (via CompareAndSwap); plain Set is not.
type Store struct {
	fs   afero.Fs
	root string
	hash githash.Hash
	mu   *syncutil.NamedMutex
}

// NewStore opens a ref store rooted at root (normally the .git
// directory) on fs.
func NewStore(fs afero.Fs, root string, hash githash.Hash) *Store {
	return &Store{
		fs:   fs,
		root: root,
		hash: hash,
		mu:   syncutil.NewNamedMutex(64),
	}
}

func (s *Store) path(name string) string {
	return filepath.Join(s.root, filepath.FromSlash(name))
}

func (s *Store) packedRefsPath() string {
	return filepath.Join(s.root, gitpath.PackedRefsPath)
}

// readLoose reads the raw loose content of name, or (nil, os.ErrNotExist).
func (s *Store) readLoose(name string) ([]byte, error) {
	return afero.ReadFile(s.fs, s.path(name))
}

// Get returns the raw ref (direct or symbolic) without following
// symbolic references.
func (s *Store) Get(name string) (*Ref, error) {
	if !IsRefNameValid(name) {
		return nil, xerrors.Errorf("ref %q: %w", name, ErrRefNameInvalid)
	}

	s.mu.RLock([]byte(name))
	defer s.mu.RUnlock([]byte(name))

	data, err := s.readLoose(name)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, xerrors.Errorf("could not read ref %q: %w", name, err)
		}
		packed, perr := s.parsePackedRefs()
		if perr != nil {
			return nil, xerrors.Errorf("could not load packed-refs: %w", perr)
		}
		sha, ok := packed[name]
		if !ok {
			return nil, xerrors.Errorf("ref %q: %w", name, ErrRefNotFound)
		}
		oid, err := s.hash.ConvertFromString(sha)
		if err != nil {
			return nil, xerrors.Errorf("ref %q has invalid packed oid: %w", name, ErrRefInvalid)
		}
		return NewRef(name, oid), nil
	}
	return s.parseRawRef(name, data)
}

func (s *Store) parseRawRef(name string, data []byte) (*Ref, error) {
	data = []byte(strings.TrimSpace(string(data)))
	if len(data) < 4 {
		return nil, xerrors.Errorf("ref %q: %w", name, ErrRefInvalid)
	}
	if string(data[0:5]) == "ref: " {
		return NewSymbolicRef(name, string(data[5:])), nil
	}
	oid, err := s.hash.ConvertFromChars(data)
	if err != nil {
		return nil, xerrors.Errorf("ref %q: %w", name, ErrRefInvalid)
	}
	return NewRef(name, oid), nil
}

// Resolve follows symbolic references up to the depth ceiling and
// returns the direct ref they ultimately point to, or ErrRefNotFound.
func (s *Store) Resolve(name string) (*Ref, error) {
	return s.resolve(name, 0)
}

func (s *Store) resolve(name string, depth int) (*Ref, error) {
	if depth > maxSymbolicDepth {
		return nil, xerrors.Errorf("ref %q: %w", name, ErrTooManySymbolicHops)
	}
	ref, err := s.Get(name)
	if err != nil {
		return nil, err
	}
	if ref.Type() == Direct {
		return ref, nil
	}
	return s.resolve(ref.SymbolicTarget(), depth+1)
}

// List lazily enumerates the union of loose and packed refs whose
// name has the given prefix (empty prefix means all refs). Loose
// shadows packed (I6): a name present both loose and packed is
// reported once, with the loose value winning.
func (s *Store) List(prefix string) ([]*Ref, error) {
	seen := make(map[string]bool)
	var out []*Ref

	looseDir := filepath.Join(s.root, gitpath.RefsPath)
	walkErr := afero.Walk(s.fs, looseDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return nil
		}
		name := filepath.ToSlash(rel)
		if !strings.HasPrefix(name, prefix) {
			return nil
		}
		data, err := afero.ReadFile(s.fs, path)
		if err != nil {
			return nil
		}
		ref, err := s.parseRawRef(name, data)
		if err != nil {
			return nil
		}
		seen[name] = true
		out = append(out, ref)
		return nil
	})
	if walkErr != nil {
		return nil, xerrors.Errorf("could not walk loose refs: %w", walkErr)
	}

	packed, err := s.parsePackedRefs()
	if err != nil {
		return nil, xerrors.Errorf("could not load packed-refs: %w", err)
	}
	for name, sha := range packed {
		if seen[name] || !strings.HasPrefix(name, prefix) {
			continue
		}
		oid, err := s.hash.ConvertFromString(sha)
		if err != nil {
			continue
		}
		out = append(out, NewRef(name, oid))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out, nil
}

// Set unconditionally writes a direct ref.
func (s *Store) Set(name string, id githash.Oid) error {
	return s.write(NewRef(name, id))
}

// SetSymbolic writes a symbolic ref. It refuses to introduce an
// immediate or transitive cycle.
func (s *Store) SetSymbolic(name, target string) error {
	if err := s.checkSymbolicCycle(name, target); err != nil {
		return err
	}
	return s.write(NewSymbolicRef(name, target))
}

// checkSymbolicCycle walks the chain starting at target, following
// symbolic refs one hop at a time, and fails if it ever loops back to
// name. This also catches the self-reference case (name == target, or
// a chain that reaches name) when target doesn't exist yet: resolve()
// alone would report that as ErrRefNotFound, which looks harmless in
// isolation but would still leave name pointing into a cycle through
// itself once written.
func (s *Store) checkSymbolicCycle(name, target string) error {
	current := target
	for depth := 0; depth <= maxSymbolicDepth; depth++ {
		if current == name {
			return xerrors.Errorf("setting %q to %q would create a cycle: %w", name, target, ErrRefInvalid)
		}
		ref, err := s.Get(current)
		if err != nil {
			if xerrors.Is(err, ErrRefNotFound) {
				return nil
			}
			return err
		}
		if ref.Type() != Symbolic {
			return nil
		}
		current = ref.SymbolicTarget()
	}
	return xerrors.Errorf("setting %q to %q would create a cycle: %w", name, target, ErrTooManySymbolicHops)
}

func (s *Store) write(ref *Ref) (err error) {
	if !IsRefNameValid(ref.Name()) {
		return ErrRefNameInvalid
	}

	content, err := formatRef(ref)
	if err != nil {
		return err
	}

	p := s.path(ref.Name())
	s.mu.Lock([]byte(ref.Name()))
	defer s.mu.Unlock([]byte(ref.Name()))

	if err = s.fs.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return xerrors.Errorf("could not create directory for ref %q: %w", ref.Name(), err)
	}
	if err = afero.WriteFile(s.fs, p, content, 0o644); err != nil {
		return xerrors.Errorf("could not persist ref %q: %w", ref.Name(), err)
	}
	return nil
}

func formatRef(ref *Ref) ([]byte, error) {
	switch ref.Type() {
	case Symbolic:
		return []byte(fmt.Sprintf("ref: %s\n", ref.SymbolicTarget())), nil
	case Direct:
		return []byte(fmt.Sprintf("%s\n", ref.Target().String())), nil
	default:
		return nil, xerrors.Errorf("reference type %d: %w", ref.Type(), ErrUnknownRefType)
	}
}

// CompareAndSwap atomically sets name to newID iff the currently
// observed direct value equals expectedOld. expectedOld == nil means
// "the ref must not currently exist". This is the only primitive the
// spec defines for cross-reader-visible ref changes.
func (s *Store) CompareAndSwap(name string, expectedOld githash.Oid, newID githash.Oid) error {
	if !IsRefNameValid(name) {
		return ErrRefNameInvalid
	}

	key := []byte(name)
	s.mu.Lock(key)
	defer s.mu.Unlock(key)

	current, err := s.getUnlocked(name)
	switch {
	case err != nil && !xerrors.Is(err, ErrRefNotFound):
		return xerrors.Errorf("could not read current value of %q: %w", name, err)
	case err != nil:
		// not found
		if expectedOld != nil {
			return xerrors.Errorf("ref %q: %w", name, ErrCASMismatch)
		}
	default:
		if current.Type() != Direct || expectedOld == nil || current.Target().String() != expectedOld.String() {
			return xerrors.Errorf("ref %q: %w", name, ErrCASMismatch)
		}
	}

	// s.write would take the per-name lock again, which is already held
	content, err := formatRef(NewRef(name, newID))
	if err != nil {
		return err
	}
	p := s.path(name)
	if err := s.fs.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return xerrors.Errorf("could not create directory for ref %q: %w", name, err)
	}
	if err := afero.WriteFile(s.fs, p, content, 0o644); err != nil {
		return xerrors.Errorf("could not persist ref %q: %w", name, err)
	}
	return nil
}

// getUnlocked is Get without acquiring the per-name lock, used by
// callers (CompareAndSwap) that already hold it.
func (s *Store) getUnlocked(name string) (*Ref, error) {
	data, err := s.readLoose(name)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, xerrors.Errorf("could not read ref %q: %w", name, err)
		}
		packed, perr := s.parsePackedRefs()
		if perr != nil {
			return nil, xerrors.Errorf("could not load packed-refs: %w", perr)
		}
		sha, ok := packed[name]
		if !ok {
			return nil, xerrors.Errorf("ref %q: %w", name, ErrRefNotFound)
		}
		oid, err := s.hash.ConvertFromString(sha)
		if err != nil {
			return nil, ErrRefInvalid
		}
		return NewRef(name, oid), nil
	}
	return s.parseRawRef(name, data)
}

// Delete removes a loose ref and, if packed-refs also lists name,
// rewrites packed-refs without that entry, so Get reflects the
// deletion immediately.
func (s *Store) Delete(name string) error {
	if !IsRefNameValid(name) {
		return ErrRefNameInvalid
	}

	key := []byte(name)
	s.mu.Lock(key)
	defer s.mu.Unlock(key)

	p := s.path(name)
	err := s.fs.Remove(p)
	if err != nil && !os.IsNotExist(err) {
		return xerrors.Errorf("could not delete ref %q: %w", name, err)
	}

	packed, perr := s.parsePackedRefs()
	if perr != nil {
		return xerrors.Errorf("could not load packed-refs: %w", perr)
	}
	if _, ok := packed[name]; ok {
		delete(packed, name)
		if err := s.writePackedRefs(packed); err != nil {
			return xerrors.Errorf("could not rewrite packed-refs after deleting %q: %w", name, err)
		}
	}
	return nil
}

// parsePackedRefs parses the packed-refs file tolerantly: blank
// lines, #-comments, CR/LF or LF endings, IDs lowercased.
func (s *Store) parsePackedRefs() (refs map[string]string, err error) {
	refs = map[string]string{}
	f, err := s.fs.Open(s.packedRefsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return refs, nil
		}
		return nil, xerrors.Errorf("could not open %s: %w", gitpath.PackedRefsPath, err)
	}
	defer errutil.Close(f, &err)

	sc := bufio.NewScanner(f)
	for i := 1; sc.Scan(); i++ {
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" || line[0] == '#' || line[0] == '^' {
			continue
		}
		parts := strings.SplitN(line, " ", 2)
		if len(parts) != 2 {
			return nil, xerrors.Errorf("unexpected data on line %d: %w", i, ErrPackedRefInvalid)
		}
		refs[parts[1]] = strings.ToLower(parts[0])
	}
	if sc.Err() != nil {
		return nil, xerrors.Errorf("could not parse %s: %w", gitpath.PackedRefsPath, sc.Err())
	}
	return refs, nil
}

// writePackedRefs rewrites the packed-refs file atomically (temp file
// + rename) so readers always observe either the old or new file
// whole, never a partial write.
func (s *Store) writePackedRefs(refs map[string]string) error {
	names := make([]string, 0, len(refs))
	for name := range refs {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	sb.WriteString("# pack-refs with: peeled\n")
	for _, name := range names {
		fmt.Fprintf(&sb, "%s %s\n", refs[name], name)
	}

	tmp, err := afero.TempFile(s.fs, s.root, "packed-refs-*.tmp")
	if err != nil {
		return xerrors.Errorf("could not create temp packed-refs file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err = tmp.Write([]byte(sb.String())); err != nil {
		_ = tmp.Close()
		_ = s.fs.Remove(tmpName)
		return xerrors.Errorf("could not write temp packed-refs file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		_ = s.fs.Remove(tmpName)
		return xerrors.Errorf("could not close temp packed-refs file: %w", err)
	}
	if err = s.fs.Rename(tmpName, s.packedRefsPath()); err != nil {
		_ = s.fs.Remove(tmpName)
		return xerrors.Errorf("could not rename temp packed-refs file into place: %w", err)
	}
	return nil
}

// PackRefs is invoked by the GC's ref-packing phase (§4.8 step 3): it
// folds every loose ref whose value still matches the packed
// snapshot candidate list into packed-refs and removes the loose
// files that were folded in.
func (s *Store) PackRefs(names []string) error {
	packed, err := s.parsePackedRefs()
	if err != nil {
		return err
	}

	toRemove := make([]string, 0, len(names))
	for _, name := range names {
		ref, err := s.Get(name)
		if err != nil {
			if xerrors.Is(err, ErrRefNotFound) {
				continue
			}
			return xerrors.Errorf("could not read %q: %w", name, err)
		}
		if ref.Type() != Direct {
			continue
		}
		packed[name] = ref.Target().String()
		toRemove = append(toRemove, name)
	}

	if err := s.writePackedRefs(packed); err != nil {
		return err
	}

	for _, name := range toRemove {
		p := s.path(name)
		if err := s.fs.Remove(p); err != nil && !os.IsNotExist(err) {
			return xerrors.Errorf("could not remove packed loose ref %q: %w", name, err)
		}
	}
	return nil
}
