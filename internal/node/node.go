// Package node owns the identifiers dayslot mints: the persistent identity of
// the server process and the time-ordered IDs of scheduling passes.
//
// Both are ULIDs. A pass ID embeds the millisecond at which the pass started,
// so the bbolt pass bucket iterates in chronological order without a separate
// index.
package node

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const nodeIDFile = "node_id"

// ID is a ULID string that identifies one dayslot process. It is stable across
// restarts within the same data directory and stamped on every pass record.
type ID string

func (id ID) String() string { return string(id) }

// IsZero reports whether the ID is the zero value.
func (id ID) IsZero() bool { return id == "" }

// Node holds the persistent identity of this server instance.
type Node struct {
	id      ID
	dataDir string
}

// New returns a Node whose ID is loaded from dataDir/node_id, generating and
// persisting one on first start. An explicit override (anything but "" or
// "auto") must itself be a valid ULID and is not written to disk.
func New(dataDir string, override string) (*Node, error) {
	if dataDir == "" {
		return nil, errors.New("node: dataDir must not be empty")
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("node: create data dir: %w", err)
	}

	if override != "" && override != "auto" {
		if _, err := ulid.ParseStrict(override); err != nil {
			return nil, fmt.Errorf("node: invalid id override %q: %w", override, err)
		}
		return &Node{id: ID(override), dataDir: dataDir}, nil
	}

	id, err := loadOrCreate(filepath.Join(dataDir, nodeIDFile))
	if err != nil {
		return nil, err
	}
	return &Node{id: id, dataDir: dataDir}, nil
}

// ID returns the node's stable ULID string.
func (n *Node) ID() ID { return n.id }

// DataDir returns the root data directory for this node.
func (n *Node) DataDir() string { return n.dataDir }

func loadOrCreate(path string) (ID, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		s := strings.TrimSpace(string(data))
		if _, perr := ulid.ParseStrict(s); perr != nil {
			return "", fmt.Errorf("node: persisted id %q is invalid: %w", s, perr)
		}
		return ID(s), nil
	case !errors.Is(err, os.ErrNotExist):
		return "", fmt.Errorf("node: read id file: %w", err)
	}

	s, err := newULID(time.Now())
	if err != nil {
		return "", fmt.Errorf("node: generate id: %w", err)
	}
	if err := os.WriteFile(path, []byte(s+"\n"), 0o640); err != nil {
		return "", fmt.Errorf("node: persist id: %w", err)
	}
	return ID(s), nil
}

// entropy is shared so IDs minted within the same millisecond still sort in
// creation order.
var (
	entropyMu sync.Mutex
	entropy   io.Reader = ulid.Monotonic(rand.Reader, 0)
)

func newULID(t time.Time) (string, error) {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(t), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewPassID mints the ID of a scheduling pass started at t.
func NewPassID(t time.Time) (string, error) {
	return newULID(t)
}

// PassTime returns the start time embedded in a pass ID.
func PassTime(id string) (time.Time, error) {
	u, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, fmt.Errorf("node: invalid pass id %q: %w", id, err)
	}
	return ulid.Time(u.Time()), nil
}

// NewID mints a ULID for the current time.
func NewID() (string, error) {
	return newULID(time.Now())
}

// MustNewID is NewID that panics on failure.
// Use only in tests or init code.
func MustNewID() string {
	s, err := NewID()
	if err != nil {
		panic(fmt.Sprintf("node.MustNewID: %v", err))
	}
	return s
}
