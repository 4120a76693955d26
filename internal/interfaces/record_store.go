package interfaces

// RecordStore persists one kind of entity record keyed by ID. Writes
// must be atomic: a crash mid-write leaves either the old contents or
// the new, never a torn file. A missing or corrupt backing file loads
// as an empty store.
type RecordStore[T any] interface {
	Put(id string, record T) error
	Get(id string) (T, bool, error)
	List() (map[string]T, error)
	Delete(id string) error
}
