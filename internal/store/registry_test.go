package store

import (
	"path/filepath"
	"testing"
)

func tempRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := OpenRegistry(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("OpenRegistry: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRegistryRecordAndQuery(t *testing.T) {
	r := tempRegistry(t)

	err := r.RecordDevices("bot@example.org", "peer@example.org", []uint32{42, 7}, map[uint32]string{42: "phone"})
	if err != nil {
		t.Fatalf("RecordDevices: %v", err)
	}
	ids, err := r.Devices("bot@example.org", "peer@example.org")
	if err != nil {
		t.Fatalf("Devices: %v", err)
	}
	if len(ids) != 2 || ids[0] != 7 || ids[1] != 42 {
		t.Fatalf("devices: got %v, want [7 42]", ids)
	}

	// Re-recording is an upsert, not a duplicate.
	if err := r.RecordDevices("bot@example.org", "peer@example.org", []uint32{42}, nil); err != nil {
		t.Fatalf("RecordDevices again: %v", err)
	}
	ids, err = r.Devices("bot@example.org", "peer@example.org")
	if err != nil {
		t.Fatalf("Devices: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("devices after upsert: got %v", ids)
	}
}

func TestRegistryScopedByAccount(t *testing.T) {
	r := tempRegistry(t)

	if err := r.RecordDevices("a@example.org", "peer@example.org", []uint32{1}, nil); err != nil {
		t.Fatalf("RecordDevices: %v", err)
	}
	ids, err := r.Devices("b@example.org", "peer@example.org")
	if err != nil {
		t.Fatalf("Devices: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("cross-account leak: %v", ids)
	}
}
