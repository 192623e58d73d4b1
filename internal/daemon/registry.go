package daemon

import (
	"encoding/json"
	"time"

	"go.etcd.io/bbolt"

	"ebridge/internal/ebridgeerr"
)

var devicesBucket = []byte("Devices")

// DeviceBinding is the persisted tuple spec §3 calls a "named device":
// name, chip, probe-kind, port-or-probe-selector, optional firmware path.
type DeviceBinding struct {
	Name        string    `json:"name"`
	Chip        string    `json:"chip"`
	ProbeKind   string    `json:"probe_kind"`
	PortOrProbe string    `json:"port_or_probe"`
	Firmware    string    `json:"firmware,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Registry persists device bindings in a bbolt database under the
// ebridge state directory, grounded on the teacher's checkpoint.Checkpointer
// bbolt pattern (bucket-per-concern, JSON-encoded values).
type Registry struct {
	db *bbolt.DB
}

// OpenRegistry opens (creating if needed) the bbolt database at dbPath.
func OpenRegistry(dbPath string) (*Registry, error) {
	db, err := bbolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, ebridgeerr.New("daemon.OpenRegistry", ebridgeerr.InvalidArgument, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(devicesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, ebridgeerr.New("daemon.OpenRegistry", ebridgeerr.InvalidArgument, err)
	}
	return &Registry{db: db}, nil
}

func (r *Registry) Close() error { return r.db.Close() }

// Register persists a new device binding, failing with AlreadyExists-style
// resource-busy semantics if the name is already registered (destroyed
// only by explicit Remove, per spec §3).
func (r *Registry) Register(b DeviceBinding) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(devicesBucket)
		if bucket.Get([]byte(b.Name)) != nil {
			return ebridgeerr.New("daemon.Registry.Register", ebridgeerr.ResourceBusy, nil)
		}
		data, err := json.Marshal(b)
		if err != nil {
			return ebridgeerr.New("daemon.Registry.Register", ebridgeerr.FormatInvalid, err)
		}
		return bucket.Put([]byte(b.Name), data)
	})
}

// Get looks up a device binding by name.
func (r *Registry) Get(name string) (DeviceBinding, error) {
	var b DeviceBinding
	err := r.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(devicesBucket).Get([]byte(name))
		if data == nil {
			return ebridgeerr.New("daemon.Registry.Get", ebridgeerr.NotFound, nil)
		}
		return json.Unmarshal(data, &b)
	})
	return b, err
}

// List returns every registered device binding, sorted by name via
// bbolt's natural key ordering.
func (r *Registry) List() ([]DeviceBinding, error) {
	var out []DeviceBinding
	err := r.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(devicesBucket).ForEach(func(_, v []byte) error {
			var b DeviceBinding
			if err := json.Unmarshal(v, &b); err != nil {
				return err
			}
			out = append(out, b)
			return nil
		})
	})
	return out, err
}

// Remove deletes a device binding. Removing a name that doesn't exist is
// not an error — idempotent removal matches the CLI's "device gone" intent
// regardless of whether it was already gone.
func (r *Registry) Remove(name string) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(devicesBucket).Delete([]byte(name))
	})
}
