// Package object contains methods and objects to work with git objects:
// blobs, trees, commits and tags, plus the shared envelope format used
// to address and serialize all of them.
package object

import (
	"bytes"
	"compress/zlib"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/arathorn/vcsengine/githash"
	"github.com/arathorn/vcsengine/internal/errutil"
	"golang.org/x/xerrors"
)

var (
	// ErrObjectUnknown represents an error thrown when encoutering an
	// unknown object
	ErrObjectUnknown = errors.New("invalid object type")

	// ErrObjectInvalid represents an error thrown when an object contains
	// unexpected data or when the wrong object is provided to a method.
	// Ex. Inserting a ObjectDeltaOFS in a tree
	// Ex.2 Creating a tag using a commit with no ID (commit not persisted
	// 	to the store)
	ErrObjectInvalid = errors.New("invalid object")

	// ErrTreeInvalid represents an error thrown when parsing an invalid
	// tree object
	ErrTreeInvalid = errors.New("invalid tree")

	// ErrCommitInvalid represents an error thrown when parsing an invalid
	// commit object
	ErrCommitInvalid = errors.New("invalid commit")

	// ErrTagInvalid represents an error thrown when parsing an invalid
	// tag object
	ErrTagInvalid = errors.New("invalid tag")
)

// Type represents the type of an object as stored in a packfile
type Type int8

// List of all the possible object types
const (
	TypeCommit Type = 1
	TypeTree   Type = 2
	TypeBlob   Type = 3
	TypeTag    Type = 4
	// 5 is reserved for future use
	ObjectDeltaOFS Type = 6
	ObjectDeltaRef Type = 7
)

func (t Type) String() string {
	switch t {
	case TypeCommit:
		return "commit"
	case TypeTree:
		return "tree"
	case TypeBlob:
		return "blob"
	case TypeTag:
		return "tag"
	case ObjectDeltaOFS:
		return "ofs-delta"
	case ObjectDeltaRef:
		return "ref-delta"
	default:
		panic(fmt.Sprintf("unknown object type %d", t))
	}
}

// IsValid check id the object type is an existing type
func (t Type) IsValid() bool {
	switch t {
	case TypeCommit,
		TypeTree,
		TypeBlob,
		TypeTag,
		ObjectDeltaOFS,
		ObjectDeltaRef:
		return true
	default:
		return false
	}
}

// NewTypeFromString returns an Type from its string
// representation
func NewTypeFromString(t string) (Type, error) {
	switch t {
	case "commit":
		return TypeCommit, nil
	case "tree":
		return TypeTree, nil
	case "blob":
		return TypeBlob, nil
	case "tag":
		return TypeTag, nil
	default:
		return 0, ErrObjectUnknown
	}
}

// Object represents a git object. An object can be of multiple types
// but they all share similarities (same envelope, same storage system,
// etc.). The ID of an object is the hash of its envelope:
// "{type} {size}\0{content}"
type Object struct {
	hash githash.Hash

	id      githash.Oid
	typ     Type
	content []byte

	idProcessing sync.Once
}

// New creates a new git object of the given type, addressed using the
// provided hash implementation
func New(hash githash.Hash, typ Type, content []byte) *Object {
	o := &Object{
		hash:    hash,
		typ:     typ,
		content: content,
	}
	o.id, _ = o.build()
	return o
}

// ID returns the ID of the object.
func (o *Object) ID() githash.Oid {
	o.idProcessing.Do(func() {
		o.id, _ = o.build()
	})
	return o.id
}

// Size returns the size of the object
func (o *Object) Size() int {
	return len(o.content)
}

// Type returns the Type for this object
func (o *Object) Type() Type {
	return o.typ
}

// Bytes returns the object's contents
func (o *Object) Bytes() []byte {
	return o.content
}

// Hash returns the hash implementation this object is addressed with
func (o *Object) Hash() githash.Hash {
	return o.hash
}

func (o *Object) build() (oid githash.Oid, data []byte) {
	// Quick reminder that the Write* methods on bytes.Buffer never fails,
	// the error returned is always nil
	w := new(bytes.Buffer)

	// Write the type
	w.WriteString(o.Type().String())
	// add the space
	w.WriteRune(' ')
	// write the size
	w.WriteString(strconv.Itoa(o.Size()))
	// Write the NULL char
	w.WriteByte(0)
	// Write the content
	w.Write(o.Bytes())

	data = w.Bytes()
	oid = o.hash.Sum(data)
	return oid, data
}

// Compress return the object zlib compressed.
// The format of the compressed data is:
// [type] [size][NULL][content]
// The type in ascii, followed by a space, followed by the size in ascii,
// followed by a null character (0), followed by the object data
func (o *Object) Compress() (data []byte, err error) {
	_, fileContent := o.build()

	compressedContent := new(bytes.Buffer)
	zw := zlib.NewWriter(compressedContent)
	defer errutil.Close(zw, &err)

	if _, err = zw.Write(fileContent); err != nil {
		return nil, xerrors.Errorf("could not zlib the object: %w", err)
	}
	return compressedContent.Bytes(), nil
}

// NewFromReader parses a decompressed object envelope ("{type} {size}\0{content}")
// into an Object
func NewFromReader(hash githash.Hash, data []byte) (*Object, error) {
	sp := bytes.IndexByte(data, ' ')
	if sp < 0 {
		return nil, xerrors.Errorf("could not find type separator: %w", ErrObjectInvalid)
	}
	typ, err := NewTypeFromString(string(data[:sp]))
	if err != nil {
		return nil, xerrors.Errorf("invalid object type: %w", err)
	}
	nul := bytes.IndexByte(data[sp+1:], 0)
	if nul < 0 {
		return nil, xerrors.Errorf("could not find header terminator: %w", ErrObjectInvalid)
	}
	size, err := strconv.Atoi(string(data[sp+1 : sp+1+nul]))
	if err != nil {
		return nil, xerrors.Errorf("invalid object size: %w", err)
	}
	content := data[sp+1+nul+1:]
	if len(content) != size {
		return nil, xerrors.Errorf("size mismatch (header says %d, got %d): %w", size, len(content), ErrObjectInvalid)
	}
	return New(hash, typ, content), nil
}

// AsBlob parses the object as Blob
func (o *Object) AsBlob() *Blob {
	return NewBlob(o)
}

// AsTree parses the object as a Tree
func (o *Object) AsTree() (*Tree, error) {
	if o.typ != TypeTree {
		return nil, xerrors.Errorf("type %s is not a tree: %w", o.typ, ErrObjectInvalid)
	}
	return NewTreeFromObject(o)
}

// AsCommit parses the object as a Commit
func (o *Object) AsCommit() (*Commit, error) {
	return NewCommitFromObject(o)
}

// AsTag parses the object as a Tag
func (o *Object) AsTag() (*Tag, error) {
	return NewTagFromObject(o)
}
