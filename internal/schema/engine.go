package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Engine is the ClickHouse table engine attached to a table. The variant
// decides which changes are ALTER-able and which force a drop+recreate; the
// non-alterable parameters are hashed for cheap change detection.
type Engine interface {
	// Name is the canonical variant name ("MergeTree", "S3Queue", …).
	Name() string
	// SupportsOrderBy is true for the MergeTree family and S3Queue. Engines
	// not modeled here report false, which makes the diff engine treat any
	// order-by difference as a recreate.
	SupportsOrderBy() bool
	// CreateClause renders the engine for CREATE TABLE, credentials included.
	CreateClause() string
	// ProtoString renders the persisted form with credentials stripped.
	// Credentials never enter the infrastructure map.
	ProtoString() string
	// nonAlterableParams returns the ordered values whose change requires
	// table recreation. Settings are excluded; credentials are encoded as
	// stored.
	nonAlterableParams() []string
}

type (
	MergeTreeEngine            struct{}
	AggregatingMergeTreeEngine struct{}
	SummingMergeTreeEngine     struct{}

	ReplacingMergeTreeEngine struct {
		// Ver is the optional version column; IsDeleted additionally enables
		// lightweight deletes and requires Ver.
		Ver       *string
		IsDeleted *string
	}

	S3QueueEngine struct {
		Path        string
		Format      string
		Compression *string
		Headers     map[string]string
		AwsKey      *string
		AwsSecret   *string
	}

	// OtherEngine carries an engine string the core does not model. It is
	// diffed as opaque: any textual change is a recreate, and it never
	// supports ORDER BY.
	OtherEngine struct{ Raw string }
)

func (MergeTreeEngine) Name() string            { return "MergeTree" }
func (AggregatingMergeTreeEngine) Name() string { return "AggregatingMergeTree" }
func (SummingMergeTreeEngine) Name() string     { return "SummingMergeTree" }
func (ReplacingMergeTreeEngine) Name() string   { return "ReplacingMergeTree" }
func (S3QueueEngine) Name() string              { return "S3Queue" }
func (e OtherEngine) Name() string              { return e.Raw }

func (MergeTreeEngine) SupportsOrderBy() bool            { return true }
func (AggregatingMergeTreeEngine) SupportsOrderBy() bool { return true }
func (SummingMergeTreeEngine) SupportsOrderBy() bool     { return true }
func (ReplacingMergeTreeEngine) SupportsOrderBy() bool   { return true }
func (S3QueueEngine) SupportsOrderBy() bool              { return true }
func (OtherEngine) SupportsOrderBy() bool                { return false }

func (MergeTreeEngine) CreateClause() string            { return "MergeTree" }
func (AggregatingMergeTreeEngine) CreateClause() string { return "AggregatingMergeTree" }
func (SummingMergeTreeEngine) CreateClause() string     { return "SummingMergeTree" }

func (e ReplacingMergeTreeEngine) CreateClause() string {
	// ver and is_deleted are bare column identifiers; ClickHouse rejects
	// quoting here and introspection reports them bare.
	switch {
	case e.Ver != nil && e.IsDeleted != nil:
		return fmt.Sprintf("ReplacingMergeTree(%s, %s)", *e.Ver, *e.IsDeleted)
	case e.Ver != nil:
		return fmt.Sprintf("ReplacingMergeTree(%s)", *e.Ver)
	default:
		return "ReplacingMergeTree"
	}
}

func (e S3QueueEngine) CreateClause() string {
	args := []string{quoteString(e.Path)}
	switch {
	case e.AwsKey != nil && e.AwsSecret != nil:
		args = append(args, quoteString(*e.AwsKey), quoteString(*e.AwsSecret))
	case e.AwsKey == nil && e.AwsSecret == nil:
		args = append(args, "NOSIGN")
	}
	args = append(args, quoteString(e.Format))
	if e.Compression != nil {
		args = append(args, quoteString(*e.Compression))
	}
	for _, k := range sortedHeaderKeys(e.Headers) {
		args = append(args, fmt.Sprintf("headers(%s = %s)", quoteString(k), quoteString(e.Headers[k])))
	}
	return "S3Queue(" + strings.Join(args, ", ") + ")"
}

func (e OtherEngine) CreateClause() string { return e.Raw }

func (e MergeTreeEngine) ProtoString() string            { return e.CreateClause() }
func (e AggregatingMergeTreeEngine) ProtoString() string { return e.CreateClause() }
func (e SummingMergeTreeEngine) ProtoString() string     { return e.CreateClause() }
func (e ReplacingMergeTreeEngine) ProtoString() string   { return e.CreateClause() }
func (e OtherEngine) ProtoString() string                { return e.Raw }

func (e S3QueueEngine) ProtoString() string {
	stripped := e
	stripped.AwsKey = nil
	stripped.AwsSecret = nil
	args := []string{quoteString(stripped.Path), quoteString(stripped.Format)}
	if stripped.Compression != nil {
		args = append(args, quoteString(*stripped.Compression))
	}
	return "S3Queue(" + strings.Join(args, ", ") + ")"
}

func (MergeTreeEngine) nonAlterableParams() []string            { return nil }
func (AggregatingMergeTreeEngine) nonAlterableParams() []string { return nil }
func (SummingMergeTreeEngine) nonAlterableParams() []string     { return nil }

func (e ReplacingMergeTreeEngine) nonAlterableParams() []string {
	return []string{"ver=" + derefOr(e.Ver, ""), "is_deleted=" + derefOr(e.IsDeleted, "")}
}

func (e S3QueueEngine) nonAlterableParams() []string {
	params := []string{
		"path=" + e.Path,
		"format=" + e.Format,
		"compression=" + derefOr(e.Compression, ""),
	}
	for _, k := range sortedHeaderKeys(e.Headers) {
		params = append(params, "header:"+k+"="+e.Headers[k])
	}
	// Credentials enter the hash exactly as stored so a re-resolve from env
	// that yields the same secret does not look like an engine change.
	params = append(params,
		"aws_key="+derefOr(e.AwsKey, ""),
		"aws_secret="+derefOr(e.AwsSecret, ""),
	)
	return params
}

func (e OtherEngine) nonAlterableParams() []string { return []string{e.Raw} }

// ParamsHash computes the SHA-256 over the engine's non-alterable parameters
// plus the owning database, in a fixed order. Used only for change
// detection, never for authentication.
func ParamsHash(e Engine, database string) string {
	h := sha256.New()
	h.Write([]byte(e.Name()))
	h.Write([]byte{0})
	h.Write([]byte(database))
	for _, p := range e.nonAlterableParams() {
		h.Write([]byte{0})
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// EnginesEquivalent compares the identity of two engines ignoring alterable
// settings. The hash comparison happens at the table level where the stored
// hash survives [HIDDEN] credential redaction.
func EnginesEquivalent(a, b Engine) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Name() != b.Name() {
		return false
	}
	return strings.Join(a.nonAlterableParams(), "\x00") == strings.Join(b.nonAlterableParams(), "\x00")
}

func derefOr(s *string, def string) string {
	if s == nil {
		return def
	}
	return *s
}

func sortedHeaderKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
