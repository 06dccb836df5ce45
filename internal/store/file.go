package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FilePersister writes snapshots as indented JSON under a config directory,
// one file per account, keyed at the top level by account id. The file is
// plain UTF-8 with base64 binary fields, editable for recovery.
type FilePersister struct {
	dir string
}

// DefaultConfigDir returns $XDG_CONFIG_HOME/omemod, falling back to
// ~/.config/omemod.
func DefaultConfigDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "omemod")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "omemod")
}

// NewFilePersister creates a persister rooted at dir. An empty dir selects
// the default config directory.
func NewFilePersister(dir string) *FilePersister {
	if dir == "" {
		dir = DefaultConfigDir()
	}
	return &FilePersister{dir: dir}
}

func (p *FilePersister) path(accountID string) string {
	return filepath.Join(p.dir, accountID+".json")
}

// Save writes the snapshot atomically: temp file, fsync, rename.
func (p *FilePersister) Save(accountID string, snap *Snapshot) error {
	if err := os.MkdirAll(p.dir, 0o700); err != nil {
		return fmt.Errorf("store: create config dir: %w", err)
	}
	doc := map[string]*Snapshot{accountID: snap}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encode snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(p.dir, accountID+".*.tmp")
	if err != nil {
		return fmt.Errorf("store: create temp snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("store: write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("store: sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: close snapshot: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return fmt.Errorf("store: chmod snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), p.path(accountID)); err != nil {
		return fmt.Errorf("store: replace snapshot: %w", err)
	}
	return nil
}

// Load reads the account's snapshot, returning nil, nil when the file does
// not exist yet.
func (p *FilePersister) Load(accountID string) (*Snapshot, error) {
	data, err := os.ReadFile(p.path(accountID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: read snapshot: %w", err)
	}
	var doc map[string]*Snapshot
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("store: decode snapshot %s: %w", p.path(accountID), err)
	}
	return doc[accountID], nil
}

// MemoryPersister keeps snapshots in memory. Used by tests and by callers
// that manage durability themselves.
type MemoryPersister struct {
	snaps map[string][]byte
}

// NewMemoryPersister creates an empty in-memory persister.
func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{snaps: make(map[string][]byte)}
}

// Save stores an encoded copy so restores exercise the full codec path.
func (p *MemoryPersister) Save(accountID string, snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	p.snaps[accountID] = data
	return nil
}

// Load decodes the stored snapshot, nil when absent.
func (p *MemoryPersister) Load(accountID string) (*Snapshot, error) {
	data, ok := p.snaps[accountID]
	if !ok {
		return nil, nil
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}
