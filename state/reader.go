package state

// Reader provides read-only access to the committed contents of one scope
type Reader interface {
	// Get returns the committed value for key
	Get(key string) (Value, bool)

	// Keys returns the committed keys in sorted order
	Keys() []string
}

type scopeReader struct {
	store *Store
	scope string
}

func (r *scopeReader) Get(key string) (Value, bool) {
	return r.store.Get(r.scope, key)
}

func (r *scopeReader) Keys() []string {
	return r.store.Keys(r.scope)
}

// ToMap decodes every committed value of the reader into generic Go types.
// Values that fail to decode are skipped.
func ToMap(r Reader) map[string]any {
	keys := r.Keys()
	out := make(map[string]any, len(keys))
	for _, key := range keys {
		v, ok := r.Get(key)
		if !ok {
			continue
		}
		decoded, err := v.Interface()
		if err != nil {
			continue
		}
		out[key] = decoded
	}
	return out
}
