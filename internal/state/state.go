// Package state persists the deployment record: every secret and
// connection parameter stackup has generated or been given, with a source
// tag per field. The file is the authority for re-runs; losing it means
// losing the credentials.
package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/systmms/stackup/internal/envfile"
)

// ErrNotFound signals a first run: no state file exists yet.
var ErrNotFound = errors.New("deployment state not found")

// Source records where a field's value came from.
type Source string

const (
	// SourceGenerated marks a value freshly produced by the secret provisioner.
	SourceGenerated Source = "generated"

	// SourceOverridden marks a value supplied by the caller for this run.
	SourceOverridden Source = "overridden"

	// SourceReused marks a value carried forward from a previous run.
	SourceReused Source = "reused"
)

// Field names a deployment state entry. The set is fixed at design time.
type Field string

const (
	FieldDBUser        Field = "DB_USER"
	FieldDBName        Field = "DB_NAME"
	FieldDBPassword    Field = "DB_PASSWORD"
	FieldCachePassword Field = "CACHE_PASSWORD"
	FieldSigningSecret Field = "SIGNING_SECRET"
	FieldAdminEmail    Field = "ADMIN_EMAIL"
	FieldAdminPassword Field = "ADMIN_PASSWORD"
	FieldBindHost      Field = "BIND_HOST"
	FieldBindPort      Field = "BIND_PORT"
)

// Fields returns every known field in stable order.
func Fields() []Field {
	return []Field{
		FieldDBUser,
		FieldDBName,
		FieldDBPassword,
		FieldCachePassword,
		FieldSigningSecret,
		FieldAdminEmail,
		FieldAdminPassword,
		FieldBindHost,
		FieldBindPort,
	}
}

// SecretFields returns the fields holding generated high-entropy values.
func SecretFields() []Field {
	return []Field{
		FieldDBPassword,
		FieldCachePassword,
		FieldSigningSecret,
		FieldAdminPassword,
	}
}

// Record is the in-memory deployment state.
type Record struct {
	values  map[Field]string
	sources map[Field]Source
}

// NewRecord creates an empty record.
func NewRecord() *Record {
	return &Record{
		values:  make(map[Field]string),
		sources: make(map[Field]Source),
	}
}

// Get returns the value for a field, empty if unset.
func (r *Record) Get(f Field) string {
	return r.values[f]
}

// Source returns the source tag for a field, empty if unset.
func (r *Record) Source(f Field) Source {
	return r.sources[f]
}

// Set stores a value with its source tag.
func (r *Record) Set(f Field, value string, source Source) {
	r.values[f] = value
	r.sources[f] = source
}

// Values returns a copy of all set fields as plain strings, keyed by the
// persisted variable name.
func (r *Record) Values() map[string]string {
	out := make(map[string]string, len(r.values))
	for f, v := range r.values {
		out[string(f)] = v
	}
	return out
}

// Store reads and writes the persisted record at a fixed path.
type Store struct {
	path string
}

// NewStore creates a store for the given file path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the state file location.
func (s *Store) Path() string {
	return s.path
}

// Load reads the persisted record. Absence of the file returns ErrNotFound;
// unknown keys are ignored so newer files load under older binaries.
func (s *Store) Load() (*Record, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading state file %s: %w", s.path, err)
	}

	values, err := envfile.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing state file %s: %w", s.path, err)
	}

	sources := parseSourceTags(data)

	record := NewRecord()
	for _, f := range Fields() {
		value, ok := values[string(f)]
		if !ok {
			continue
		}
		source, ok := sources[f]
		if !ok {
			// Pre-tagging files: anything persisted was issued by us.
			source = SourceGenerated
		}
		record.Set(f, value, source)
	}
	return record, nil
}

// Save atomically replaces the persisted record. The file is written to a
// temporary sibling with owner-only permissions and renamed into place, so
// a crashed writer or concurrent reader never observes a partial record.
func (s *Store) Save(record *Record) error {
	data, err := renderRecord(record)
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating state directory %s: %w", dir, err)
	}

	tmp := fmt.Sprintf("%s.tmp.%d", s.path, os.Getpid())
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("installing state file: %w", err)
	}
	return nil
}

const sourceTagPrefix = "# source: "

func renderRecord(record *Record) ([]byte, error) {
	body, err := envfile.Marshal(record.Values())
	if err != nil {
		return nil, fmt.Errorf("encoding state: %w", err)
	}

	var b strings.Builder
	b.WriteString("# stackup deployment state. Do not edit while an install is running.\n")

	tagged := make([]string, 0, len(record.sources))
	for f, source := range record.sources {
		tagged = append(tagged, fmt.Sprintf("%s%s=%s", sourceTagPrefix, f, source))
	}
	sort.Strings(tagged)
	for _, line := range tagged {
		b.WriteString(line)
		b.WriteByte('\n')
	}

	b.Write(body)
	return []byte(b.String()), nil
}

func parseSourceTags(data []byte) map[Field]Source {
	sources := make(map[Field]Source)
	for _, line := range strings.Split(string(data), "\n") {
		rest, ok := strings.CutPrefix(line, sourceTagPrefix)
		if !ok {
			continue
		}
		name, tag, ok := strings.Cut(rest, "=")
		if !ok {
			continue
		}
		switch Source(tag) {
		case SourceGenerated, SourceOverridden, SourceReused:
			sources[Field(name)] = Source(tag)
		}
	}
	return sources
}
