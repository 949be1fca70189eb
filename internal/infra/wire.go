package infra

import (
	"encoding/json"
	"fmt"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

// The binary wire form is the authoritative serialization of the map: a
// protobuf message whose repeated bytes fields carry one JSON-encoded
// resource each. Field numbers are stable; new fields must be appended and
// treated as optional on read. Unknown (newer) fields are skipped.
const (
	fieldTables          = 1
	fieldTopics          = 2
	fieldSyncProcesses   = 3
	fieldApiEndpoints    = 4
	fieldWebApps         = 5
	fieldWorkflows       = 6
	fieldViews           = 7
	fieldSqlResources    = 8
	// defaultDatabase was added after v1.0; absent on old payloads.
	fieldDefaultDatabase = 15
)

// ToProto encodes the map into the binary wire form. Resources are emitted
// in sorted-ID order so equal maps encode to equal bytes.
func (m *Map) ToProto() ([]byte, error) {
	var buf []byte
	var err error
	if buf, err = appendResources(buf, fieldTables, m.Tables); err != nil {
		return nil, err
	}
	if buf, err = appendResources(buf, fieldTopics, m.Topics); err != nil {
		return nil, err
	}
	if buf, err = appendResources(buf, fieldSyncProcesses, m.TopicSyncProcesses); err != nil {
		return nil, err
	}
	if buf, err = appendResources(buf, fieldApiEndpoints, m.ApiEndpoints); err != nil {
		return nil, err
	}
	if buf, err = appendResources(buf, fieldWebApps, m.WebApps); err != nil {
		return nil, err
	}
	if buf, err = appendResources(buf, fieldWorkflows, m.Workflows); err != nil {
		return nil, err
	}
	if buf, err = appendResources(buf, fieldViews, m.Views); err != nil {
		return nil, err
	}
	if buf, err = appendResources(buf, fieldSqlResources, m.SqlResources); err != nil {
		return nil, err
	}
	buf = protowire.AppendTag(buf, fieldDefaultDatabase, protowire.BytesType)
	buf = protowire.AppendString(buf, m.DefaultDatabase)
	return buf, nil
}

func appendResources[T any](buf []byte, field protowire.Number, resources map[string]T) ([]byte, error) {
	ids := make([]string, 0, len(resources))
	for id := range resources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		payload, err := json.Marshal(resources[id])
		if err != nil {
			return nil, fmt.Errorf("encoding %s: %w", id, err)
		}
		buf = protowire.AppendTag(buf, field, protowire.BytesType)
		buf = protowire.AppendBytes(buf, payload)
	}
	return buf, nil
}

// FromProto decodes the binary wire form. A payload without the
// defaultDatabase field yields an empty string, which callers replace with
// the project's configured database.
func FromProto(data []byte) (*Map, error) {
	m := New("")
	m.DefaultDatabase = ""
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("invalid wire tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		if typ != protowire.BytesType {
			// Skip unknown non-bytes fields (forward compatibility).
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("invalid field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
			continue
		}

		payload, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, fmt.Errorf("invalid field %d: %w", num, protowire.ParseError(n))
		}
		data = data[n:]

		var err error
		switch num {
		case fieldTables:
			err = decodeInto(payload, m.Tables, func(t *Table) string { return t.ID(m.DefaultDatabase) })
		case fieldTopics:
			err = decodeInto(payload, m.Topics, func(t *Topic) string { return t.ID() })
		case fieldSyncProcesses:
			err = decodeInto(payload, m.TopicSyncProcesses, func(s *TopicSyncProcess) string { return s.ID() })
		case fieldApiEndpoints:
			err = decodeInto(payload, m.ApiEndpoints, func(a *ApiEndpoint) string { return a.ID() })
		case fieldWebApps:
			err = decodeInto(payload, m.WebApps, func(w *WebApp) string { return w.ID() })
		case fieldWorkflows:
			err = decodeInto(payload, m.Workflows, func(w *Workflow) string { return w.ID() })
		case fieldViews:
			err = decodeInto(payload, m.Views, func(v *MaterializedView) string { return v.ID(m.DefaultDatabase) })
		case fieldSqlResources:
			err = decodeInto(payload, m.SqlResources, func(s *SqlResource) string { return s.ID() })
		case fieldDefaultDatabase:
			m.DefaultDatabase = string(payload)
		default:
			// Unknown newer field: ignore.
		}
		if err != nil {
			return nil, err
		}
	}
	// Table and view IDs depend on the default database, which may appear
	// after the resources in the stream. Re-key now that it is known.
	m.rekey()
	return m, nil
}

func decodeInto[T any](payload []byte, into map[string]*T, id func(*T) string) error {
	var r T
	if err := json.Unmarshal(payload, &r); err != nil {
		return fmt.Errorf("decoding resource: %w", err)
	}
	into[id(&r)] = &r
	return nil
}

// rekey rebuilds the database-dependent sub-maps under the IDs computed with
// the final default database.
func (m *Map) rekey() {
	tables := make(map[string]*Table, len(m.Tables))
	for _, t := range m.Tables {
		tables[t.ID(m.DefaultDatabase)] = t
	}
	m.Tables = tables

	views := make(map[string]*MaterializedView, len(m.Views))
	for _, v := range m.Views {
		views[v.ID(m.DefaultDatabase)] = v
	}
	m.Views = views
}
