package infra

import (
	"encoding/json"
	"fmt"

	"github.com/514-labs/moosestack-sub001/internal/config"
)

// Map is the catalog of every managed resource, keyed by stable ID.
//
// DefaultDatabase is the fallback for any resource without an explicit
// database. Maps persisted before the field existed load with an empty
// string; callers must substitute the project's configured database before
// use, never a hard-coded constant.
type Map struct {
	Tables            map[string]*Table            `json:"tables"`
	Topics            map[string]*Topic            `json:"topics"`
	TopicSyncProcesses map[string]*TopicSyncProcess `json:"topicToTableSyncProcesses"`
	ApiEndpoints      map[string]*ApiEndpoint      `json:"apiEndpoints"`
	WebApps           map[string]*WebApp           `json:"webApps"`
	Workflows         map[string]*Workflow         `json:"workflows"`
	Views             map[string]*MaterializedView `json:"materializedViews"`
	SqlResources      map[string]*SqlResource      `json:"sqlResources"`
	DefaultDatabase   string                       `json:"defaultDatabase"`
}

// New returns an empty map with the default database bound.
func New(defaultDatabase string) *Map {
	return &Map{
		Tables:             map[string]*Table{},
		Topics:             map[string]*Topic{},
		TopicSyncProcesses: map[string]*TopicSyncProcess{},
		ApiEndpoints:       map[string]*ApiEndpoint{},
		WebApps:            map[string]*WebApp{},
		Workflows:          map[string]*Workflow{},
		Views:              map[string]*MaterializedView{},
		SqlResources:       map[string]*SqlResource{},
		DefaultDatabase:    defaultDatabase,
	}
}

// EmptyFromProject returns an empty map bound to the project's database.
func EmptyFromProject(p *config.Project) *Map {
	return New(p.ClickHouse.DBName)
}

// ensureMaps replaces nil sub-maps after deserialization.
func (m *Map) ensureMaps() {
	if m.Tables == nil {
		m.Tables = map[string]*Table{}
	}
	if m.Topics == nil {
		m.Topics = map[string]*Topic{}
	}
	if m.TopicSyncProcesses == nil {
		m.TopicSyncProcesses = map[string]*TopicSyncProcess{}
	}
	if m.ApiEndpoints == nil {
		m.ApiEndpoints = map[string]*ApiEndpoint{}
	}
	if m.WebApps == nil {
		m.WebApps = map[string]*WebApp{}
	}
	if m.Workflows == nil {
		m.Workflows = map[string]*Workflow{}
	}
	if m.Views == nil {
		m.Views = map[string]*MaterializedView{}
	}
	if m.SqlResources == nil {
		m.SqlResources = map[string]*SqlResource{}
	}
}

// AddTable inserts a table under its computed ID.
func (m *Map) AddTable(t *Table) { m.Tables[t.ID(m.DefaultDatabase)] = t }

// AddView inserts a materialized view under its computed ID.
func (m *Map) AddView(v *MaterializedView) { m.Views[v.ID(m.DefaultDatabase)] = v }

// Validate checks the structural invariants of the map: every ID matches its
// resource, every view reference resolves, and the default database is set.
func (m *Map) Validate() error {
	if m.DefaultDatabase == "" {
		return fmt.Errorf("infrastructure map has no default database bound")
	}
	for id, t := range m.Tables {
		if want := t.ID(m.DefaultDatabase); id != want {
			return fmt.Errorf("table %s keyed under %s", want, id)
		}
		if err := t.Validate(); err != nil {
			return err
		}
	}
	for id, v := range m.Views {
		if want := v.ID(m.DefaultDatabase); id != want {
			return fmt.Errorf("materialized view %s keyed under %s", want, id)
		}
		target := v.TargetTableID(m.DefaultDatabase)
		if _, ok := m.Tables[target]; !ok {
			return fmt.Errorf("materialized view %s targets unknown table %s", id, target)
		}
		for _, src := range v.SourceTables {
			if !m.resolvesAsSource(src) {
				return fmt.Errorf("materialized view %s reads from unknown source %s", id, src)
			}
		}
		if v.RefreshConfig != nil {
			for _, dep := range v.RefreshConfig.DependsOn {
				if _, ok := m.Views[dep]; !ok {
					return fmt.Errorf("materialized view %s depends on unknown view %s", id, dep)
				}
			}
		}
	}
	for id, s := range m.TopicSyncProcesses {
		if want := s.ID(); id != want {
			return fmt.Errorf("sync process %s keyed under %s", want, id)
		}
		if _, ok := m.Topics[s.SourceTopicID]; !ok {
			return fmt.Errorf("sync process %s reads from unknown topic %s", id, s.SourceTopicID)
		}
		if _, ok := m.Tables[s.TargetTableID]; !ok {
			return fmt.Errorf("sync process %s writes to unknown table %s", id, s.TargetTableID)
		}
	}
	return nil
}

// resolvesAsSource reports whether a view source resolves to a table or
// another view inside this map. Fully-qualified names of external tables are
// allowed; they are lineage-only.
func (m *Map) resolvesAsSource(id string) bool {
	if _, ok := m.Tables[id]; ok {
		return true
	}
	if _, ok := m.Views[id]; ok {
		return true
	}
	// External (unmanaged) sources are declared fully qualified.
	return containsDot(id)
}

func containsDot(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			return true
		}
	}
	return false
}

// EdgeKind tags a lineage edge.
type EdgeKind string

const (
	// EdgePullsFrom points from a consumer to its upstream resource.
	EdgePullsFrom EdgeKind = "pulls_from"
	// EdgePushesTo points from a producer to its downstream resource.
	EdgePushesTo EdgeKind = "pushes_to"
)

// Edge is one typed data-lineage edge. Edges drive plan ordering: tables are
// leaves, views and SQL resources are ordered after everything they read.
type Edge struct {
	From string
	To   string
	Kind EdgeKind
}

// LineageEdges collects every declared edge in the map.
func (m *Map) LineageEdges() []Edge {
	var edges []Edge
	for id, v := range m.Views {
		for _, src := range v.SourceTables {
			edges = append(edges, Edge{From: id, To: src, Kind: EdgePullsFrom})
		}
		edges = append(edges, Edge{From: id, To: v.TargetTableID(m.DefaultDatabase), Kind: EdgePushesTo})
		if v.RefreshConfig != nil {
			for _, dep := range v.RefreshConfig.DependsOn {
				edges = append(edges, Edge{From: id, To: dep, Kind: EdgePullsFrom})
			}
		}
	}
	for id, s := range m.TopicSyncProcesses {
		edges = append(edges, Edge{From: id, To: s.SourceTopicID, Kind: EdgePullsFrom})
		edges = append(edges, Edge{From: id, To: s.TargetTableID, Kind: EdgePushesTo})
	}
	for id, r := range m.SqlResources {
		for _, ref := range r.PullsFrom {
			edges = append(edges, Edge{From: id, To: ref.Name, Kind: EdgePullsFrom})
		}
		for _, ref := range r.PushesTo {
			edges = append(edges, Edge{From: id, To: ref.Name, Kind: EdgePushesTo})
		}
	}
	return edges
}

// ToJSON serializes the map as the compatibility JSON form.
func (m *Map) ToJSON() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

// FromJSON deserializes the JSON form. A missing defaultDatabase loads as
// the empty string; callers substitute the configured database.
func FromJSON(data []byte) (*Map, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("infrastructure map is not valid JSON: %w", err)
	}
	// Legacy snake_case top-level keys.
	for legacy, current := range map[string]string{
		"topic_to_table_sync_processes": "topicToTableSyncProcesses",
		"api_endpoints":                 "apiEndpoints",
		"web_apps":                      "webApps",
		"materialized_views":            "materializedViews",
		"sql_resources":                 "sqlResources",
		"default_database":              "defaultDatabase",
	} {
		if v, ok := raw[legacy]; ok {
			if _, exists := raw[current]; !exists {
				raw[current] = v
			}
			delete(raw, legacy)
		}
	}
	normalized, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var m Map
	if err := json.Unmarshal(normalized, &m); err != nil {
		return nil, err
	}
	m.ensureMaps()
	return &m, nil
}
