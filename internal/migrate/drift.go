package migrate

import (
	"sort"

	"github.com/mitchellh/hashstructure/v2"

	"github.com/514-labs/moosestack-sub001/internal/diff"
	"github.com/514-labs/moosestack-sub001/internal/infra"
)

// DriftKind classifies the database's position relative to a pre-planned
// migration.
type DriftKind int

const (
	// NoDrift: the database matches the plan's expected before-state.
	NoDrift DriftKind = iota
	// AlreadyAtTarget: the database already matches the after-state; the
	// operations are skipped but the target map is still persisted.
	AlreadyAtTarget
	// DriftDetected: the database matches neither side; the plan is stale.
	DriftDetected
)

func (k DriftKind) String() string {
	switch k {
	case AlreadyAtTarget:
		return "already at target"
	case DriftDetected:
		return "drift detected"
	default:
		return "no drift"
	}
}

// Drift is the detection result. Extra, Missing and Changed name tables by
// stable ID relative to the expected before-state.
type Drift struct {
	Kind    DriftKind
	Extra   []string
	Missing []string
	Changed []string
}

// DetectDrift compares the live (reconciled) table set against the plan's
// before and after states. Metadata, source bindings and any attribute in
// the ignore set are stripped before comparison so cosmetic differences do
// not read as drift.
func DetectDrift(current, expected, target *infra.Map, ignore diff.IgnoreOps) Drift {
	cur := driftHashes(current, ignore)
	exp := driftHashes(expected, ignore)
	tgt := driftHashes(target, ignore)

	if hashSetsEqual(cur, exp) {
		return Drift{Kind: NoDrift}
	}
	if hashSetsEqual(cur, tgt) {
		return Drift{Kind: AlreadyAtTarget}
	}

	d := Drift{Kind: DriftDetected}
	for id := range cur {
		if _, ok := exp[id]; !ok {
			d.Extra = append(d.Extra, id)
		}
	}
	for id, h := range exp {
		ch, ok := cur[id]
		if !ok {
			d.Missing = append(d.Missing, id)
		} else if ch != h {
			d.Changed = append(d.Changed, id)
		}
	}
	sort.Strings(d.Extra)
	sort.Strings(d.Missing)
	sort.Strings(d.Changed)
	return d
}

// driftHashes computes one structural hash per table over the normalized
// record.
func driftHashes(m *infra.Map, ignore diff.IgnoreOps) map[string]uint64 {
	out := make(map[string]uint64, len(m.Tables))
	for id, t := range m.Tables {
		out[id] = tableDriftHash(t, m.DefaultDatabase, ignore)
	}
	return out
}

func tableDriftHash(t *infra.Table, defaultDB string, ignore diff.IgnoreOps) uint64 {
	n := *t
	n.Metadata = infra.Metadata{}
	n.Source = infra.SourcePrimitive{}
	n.EngineParamsHash = ""
	// Policy and identity bookkeeping is invisible to the database; only
	// structure participates in drift.
	n.LifeCycle = infra.FullyManaged
	n.Version = ""
	db := t.DatabaseOr(defaultDB)
	n.Database = &db
	if ignore.TableTTL {
		n.TableTTL = nil
	}
	if ignore.PartitionBy {
		n.PartitionBy = nil
	}
	if ignore.TableSettings {
		n.TableSettings = nil
	}
	if ignore.ColumnTTL || ignore.ColumnComments {
		n.Columns = append(n.Columns[:0:0], n.Columns...)
		for i := range n.Columns {
			if ignore.ColumnTTL {
				n.Columns[i].TTL = nil
			}
			if ignore.ColumnComments {
				n.Columns[i].Comment = nil
			}
		}
	}
	// Engines hash by their credential-free spelling; live introspection
	// cannot see credentials, so neither side may include them.
	engine := ""
	if n.Engine != nil {
		engine = n.Engine.ProtoString()
	}
	n.Engine = nil
	h, err := hashstructure.Hash(struct {
		Table  infra.Table
		Engine string
	}{n, engine}, hashstructure.FormatV2, &hashstructure.HashOptions{
		IgnoreZeroValue: true,
	})
	if err != nil {
		return 0
	}
	return h
}

func hashSetsEqual(a, b map[string]uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}
