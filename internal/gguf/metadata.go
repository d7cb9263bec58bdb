package gguf

import "sort"

// Uint returns an integer metadata value widened to uint64. Negative
// signed values report false.
func (f *File) Uint(key string) (uint64, bool) {
	switch v := f.KV[key].(type) {
	case uint8:
		return uint64(v), true
	case uint16:
		return uint64(v), true
	case uint32:
		return uint64(v), true
	case uint64:
		return v, true
	case int8:
		return uint64(v), v >= 0
	case int16:
		return uint64(v), v >= 0
	case int32:
		return uint64(v), v >= 0
	case int64:
		return uint64(v), v >= 0
	}
	return 0, false
}

func (f *File) String(key string) (string, bool) {
	v, ok := f.KV[key].(string)
	return v, ok
}

func (f *File) Strings(key string) ([]string, bool) {
	v, ok := f.KV[key].([]string)
	return v, ok
}

// Architecture returns general.architecture, or "" when unset.
func (f *File) Architecture() string {
	arch, _ := f.String("general.architecture")
	return arch
}

// Keys lists metadata keys in sorted order.
func (f *File) Keys() []string {
	keys := make([]string, 0, len(f.KV))
	for k := range f.KV {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FindMissing returns the names in required that the directory lacks, in
// the order given.
func (f *File) FindMissing(required []string) []string {
	var missing []string
	for _, name := range required {
		if _, ok := f.index[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// Stats summarises the directory by tensor type.
type Stats struct {
	TensorCount  int
	TotalBytes   uint64
	TotalParams  uint64
	BytesPerType map[string]uint64
}

func (f *File) Stats() Stats {
	s := Stats{TensorCount: len(f.Tensors), BytesPerType: make(map[string]uint64)}
	for _, t := range f.Tensors {
		size := t.SizeBytes()
		s.TotalBytes += size
		s.TotalParams += t.Elements()
		s.BytesPerType[t.Type.String()] += size
	}
	return s
}
