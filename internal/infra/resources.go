package infra

import (
	"github.com/514-labs/moosestack-sub001/internal/schema"
)

// Topic is a managed stream (one Redpanda/Kafka topic).
type Topic struct {
	Name              string          `json:"name"`
	Version           string          `json:"version,omitempty"`
	Columns           []schema.Column `json:"columns,omitempty"`
	RetentionSeconds  int             `json:"retentionSeconds,omitempty"`
	Partitions        int             `json:"partitions,omitempty"`
	MaxMessageBytes   int             `json:"maxMessageBytes,omitempty"`
	LifeCycle         string          `json:"lifeCycle,omitempty"`
	Source            SourcePrimitive `json:"sourcePrimitive"`
	Metadata          Metadata        `json:"metadata"`
	TransformedBy     string          `json:"transformedBy,omitempty"`
}

// ID is the stable topic identity.
func (t *Topic) ID() string {
	if t.Version != "" {
		return t.Name + "_" + VersionSuffix(t.Version)
	}
	return t.Name
}

// TopicSyncProcess streams a topic into a table. It is the lineage edge
// between the streaming plane and the OLAP plane.
type TopicSyncProcess struct {
	SourceTopicID string          `json:"sourceTopicId"`
	TargetTableID string          `json:"targetTableId"`
	Columns       []schema.Column `json:"columns,omitempty"`
	Version       string          `json:"version,omitempty"`
	Metadata      Metadata        `json:"metadata"`
}

// ID is the stable sync-process identity.
func (s *TopicSyncProcess) ID() string {
	return s.SourceTopicID + "_to_" + s.TargetTableID
}

// ApiEndpoint is a consumption or ingestion HTTP endpoint served by user
// code.
type ApiEndpoint struct {
	Name       string          `json:"name"`
	APIType    string          `json:"apiType"` // "INGRESS" or "EGRESS"
	Path       string          `json:"path"`
	Method     string          `json:"method"`
	Version    string          `json:"version,omitempty"`
	TargetTopic string         `json:"targetTopic,omitempty"`
	Source     SourcePrimitive `json:"sourcePrimitive"`
	Metadata   Metadata        `json:"metadata"`
}

// ID is the stable endpoint identity.
func (a *ApiEndpoint) ID() string {
	if a.Version != "" {
		return a.Name + "_" + VersionSuffix(a.Version)
	}
	return a.Name
}

// WebApp is a user-provided web application mounted on the HTTP server.
type WebApp struct {
	Name      string   `json:"name"`
	MountPath string   `json:"mountPath"`
	Metadata  Metadata `json:"metadata"`
}

// ID is the stable web-app identity.
func (w *WebApp) ID() string { return w.Name }

// Workflow is a scheduled or triggered orchestration of user tasks.
type Workflow struct {
	Name     string          `json:"name"`
	Schedule string          `json:"schedule,omitempty"`
	Timeout  string          `json:"timeout,omitempty"`
	Retries  int             `json:"retries,omitempty"`
	Source   SourcePrimitive `json:"sourcePrimitive"`
	Metadata Metadata        `json:"metadata"`
}

// ID is the stable workflow identity.
func (w *Workflow) ID() string { return w.Name }

// InfraReference is a typed lineage edge endpoint.
type InfraReference struct {
	Kind string `json:"kind"` // "Table" or "SqlResource"
	Name string `json:"name"`
}

// SqlResource is an opaque pair of setup/teardown SQL with declared
// dependencies, used for plain views and custom DDL.
type SqlResource struct {
	Name      string           `json:"name"`
	Setup     []string         `json:"setup"`
	Teardown  []string         `json:"teardown"`
	PullsFrom []InfraReference `json:"pullsFrom,omitempty"`
	PushesTo  []InfraReference `json:"pushesTo,omitempty"`
	Metadata  Metadata         `json:"metadata"`
}

// ID is the stable SQL-resource identity.
func (s *SqlResource) ID() string { return s.Name }
