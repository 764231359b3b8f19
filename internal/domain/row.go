package domain

// Row is one logical record from a source file. Rows are ephemeral: they
// exist only while a pipeline run is executing and have no persistent
// identity beyond their 1-based, file-relative row number.
//
// Absent fields are represented by a missing map key, never by an empty
// string, so validation rules can distinguish "not provided" from "provided
// but blank".
type Row struct {
	Number int
	Fields map[string]string
}

// Lookup returns the raw value for a field and whether it was present in the
// source record at all.
func (r Row) Lookup(field string) (string, bool) {
	value, ok := r.Fields[field]
	return value, ok
}

// Value returns the raw value for a field, or the empty string when absent.
func (r Row) Value(field string) string {
	return r.Fields[field]
}
