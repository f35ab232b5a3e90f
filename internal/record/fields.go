package record

// Field is one named value of a record.
type Field struct {
	Name  string `json:"name"`
	Value Value  `json:"value"`
}

// Fields is an ordered field mapping. Names are unique; a missing name reads
// as Null.
type Fields []Field

// Lookup returns the value of name and whether it is present.
func (f Fields) Lookup(name string) (Value, bool) {
	for _, field := range f {
		if field.Name == name {
			return field.Value, true
		}
	}
	return Null(), false
}

// Get returns the value of name, Null when absent.
func (f Fields) Get(name string) Value {
	v, _ := f.Lookup(name)
	return v
}

// Set replaces the value of name in place or appends it.
func (f Fields) Set(name string, v Value) Fields {
	for i := range f {
		if f[i].Name == name {
			f[i].Value = v
			return f
		}
	}
	return append(f, Field{Name: name, Value: v})
}

// Delete returns f without name, preserving the order of the remaining
// fields. The receiver is left untouched.
func (f Fields) Delete(name string) Fields {
	for i := range f {
		if f[i].Name == name {
			out := make(Fields, 0, len(f)-1)
			out = append(out, f[:i]...)
			return append(out, f[i+1:]...)
		}
	}
	return f
}

// Names lists field names in order.
func (f Fields) Names() []string {
	names := make([]string, len(f))
	for i, field := range f {
		names[i] = field.Name
	}
	return names
}

// Clone returns an independent copy.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	copy(out, f)
	return out
}
