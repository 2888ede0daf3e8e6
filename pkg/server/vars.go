package server

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/takeshitakenji/wikiserv/pkg/filelock"
)

// VarStore is the durable process-wide key/value store server.py calls
// VarHost: a handful of small settings (LATEST_MTIME, PREVIEW_LINES) that
// need to survive a restart. It replaces the original's shelve+pickle
// database with a YAML file guarded by a FileLock (see SPEC_FULL.md §3).
type VarStore struct {
	path string
	lock *filelock.FileLock
}

// OpenVarStore opens (creating if necessary) the var file at path.
func OpenVarStore(path string) (*VarStore, error) {
	lock, err := filelock.New(path+".lock", 0600)
	if err != nil {
		return nil, err
	}
	return &VarStore{path: path, lock: lock}, nil
}

func (v *VarStore) load() (map[string]interface{}, error) {
	data, err := os.ReadFile(v.path)
	if os.IsNotExist(err) {
		return map[string]interface{}{}, nil
	}
	if err != nil {
		return nil, err
	}
	vars := map[string]interface{}{}
	if err := yaml.Unmarshal(data, &vars); err != nil {
		return nil, err
	}
	return vars, nil
}

func (v *VarStore) save(vars map[string]interface{}) error {
	data, err := yaml.Marshal(vars)
	if err != nil {
		return err
	}
	return os.WriteFile(v.path, data, 0600)
}

// Get returns the raw value stored under key, or nil if unset.
func (v *VarStore) Get(key string) (interface{}, error) {
	token, err := v.lock.Acquire(filelock.Shared)
	if err != nil {
		return nil, err
	}
	defer token.Release()
	vars, err := v.load()
	if err != nil {
		return nil, err
	}
	return vars[key], nil
}

// Set stores value under key.
func (v *VarStore) Set(key string, value interface{}) error {
	token, err := v.lock.Acquire(filelock.Exclusive)
	if err != nil {
		return err
	}
	defer token.Release()
	vars, err := v.load()
	if err != nil {
		return err
	}
	vars[key] = value
	return v.save(vars)
}

const latestMtimeKey = "LATEST_MTIME"

// mtimeVar adapts VarStore to search.MtimeStore for the LATEST_MTIME key.
// Get/Set failures are logged rather than propagated, matching the core
// spec's framing of LATEST_MTIME as a best-effort invalidation signal
// rather than a correctness-critical value.
type mtimeVar struct {
	store  *VarStore
	logger interface{ Warn(error) }
}

func (m *mtimeVar) Get() time.Time {
	raw, err := m.store.Get(latestMtimeKey)
	if err != nil || raw == nil {
		return time.Time{}
	}
	if s, ok := raw.(string); ok {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err == nil {
			return t
		}
	}
	return time.Time{}
}

func (m *mtimeVar) Set(t time.Time) {
	if err := m.store.Set(latestMtimeKey, t.Format(time.RFC3339Nano)); err != nil {
		m.logger.Warn(err)
	}
}
