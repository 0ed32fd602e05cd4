/*Package registry keeps JSON documents in a SQL table, grouped into namespaces.

Every document is stored with the time it was last written.
*/
package registry

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/dps/core/csql"
)

// ErrNotFound is returned by Get for keys without a document
var ErrNotFound = errors.New("not found")

// Registry is a table of JSON documents in a SQL database
type Registry struct {
	db    *csql.DB
	table string
}

// Entry is a stored document
type Entry struct {
	Key       string
	Value     json.RawMessage
	WrittenAt time.Time
}

// New creates the registry table in the database's schema if it does not exist yet
func New(db *csql.DB) (*Registry, error) {
	r := &Registry{db: db, table: db.Schema + `."_registry_"`}
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS ` + r.table + ` (
namespace varchar NOT NULL,
key varchar NOT NULL,
value json NOT NULL,
written_at timestamp NOT NULL,
PRIMARY KEY(namespace, key)
);`)
	if err != nil {
		return nil, fmt.Errorf("cannot create registry table: %w", err)
	}
	return r, nil
}

// Namespace returns the documents of namespace name
func (r *Registry) Namespace(name string) Namespace {
	return Namespace{r: r, name: name}
}

// Namespace is a group of documents with their own keys
type Namespace struct {
	r    *Registry
	name string
}

// Get unmarshals the document of key into value and returns when it was written
func (n Namespace) Get(key string, value any) (time.Time, error) {
	var (
		raw       []byte
		writtenAt time.Time
	)
	err := n.r.db.QueryRow(`SELECT value, written_at FROM `+n.r.table+
		` WHERE namespace=$1 AND key=$2;`, n.name, key).Scan(&raw, &writtenAt)
	if errors.Is(err, csql.ErrNoRows) {
		return time.Time{}, fmt.Errorf("%s/%s: %w", n.name, key, ErrNotFound)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("cannot read %s/%s: %w", n.name, key, err)
	}
	if err := json.Unmarshal(raw, value); err != nil {
		return time.Time{}, fmt.Errorf("invalid document %s/%s: %w", n.name, key, err)
	}
	return writtenAt, nil
}

// Put stores value as the document of key, replacing an older one
func (n Namespace) Put(key string, value any) error {
	body, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cannot marshal %s/%s: %w", n.name, key, err)
	}
	_, err = n.r.db.Exec(`INSERT INTO `+n.r.table+`(namespace, key, value, written_at)
VALUES($1,$2,$3,$4)
ON CONFLICT (namespace, key) DO UPDATE SET value=$3, written_at=$4;`,
		n.name, key, string(body), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("cannot write %s/%s: %w", n.name, key, err)
	}
	return nil
}

// Delete removes the document of key. Deleting a missing document is not an error.
func (n Namespace) Delete(key string) error {
	_, err := n.r.db.Exec(`DELETE FROM `+n.r.table+` WHERE namespace=$1 AND key=$2;`, n.name, key)
	if err != nil {
		return fmt.Errorf("cannot delete %s/%s: %w", n.name, key, err)
	}
	return nil
}

// Entries returns all documents of the namespace ordered by key
func (n Namespace) Entries() ([]Entry, error) {
	rows, err := n.r.db.Query(`SELECT key, value, written_at FROM `+n.r.table+
		` WHERE namespace=$1 ORDER BY key;`, n.name)
	if err != nil {
		return nil, fmt.Errorf("cannot list %s: %w", n.name, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e   Entry
			raw []byte
		)
		if err := rows.Scan(&e.Key, &raw, &e.WrittenAt); err != nil {
			return nil, err
		}
		e.Value = json.RawMessage(raw)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
