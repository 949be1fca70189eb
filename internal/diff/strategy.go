package diff

import (
	"github.com/514-labs/moosestack-sub001/internal/infra"
	"github.com/514-labs/moosestack-sub001/internal/schema"
)

// TableDiffStrategy classifies an update between two versions of the same
// table. Inputs come in raw and normalized pairs; structural decisions
// (recreate or alter) use the normalized forms so ignored attributes never
// force a rebuild.
type TableDiffStrategy interface {
	DiffTableUpdate(id string, before, after, normBefore, normAfter *infra.Table) []TableChange
}

// ClickHouseTableDiff encodes which table attributes ClickHouse can ALTER in
// place. ORDER BY, the primary key and engine identity are immutable, so a
// change to any of them upgrades to drop+recreate.
type ClickHouseTableDiff struct{}

func (ClickHouseTableDiff) DiffTableUpdate(id string, before, after, normBefore, normAfter *infra.Table) []TableChange {
	if mustRecreate(normBefore, normAfter) {
		return []TableChange{
			TableRemoved{ID: id, Table: before},
			TableAdded{ID: id, Table: after},
		}
	}

	var out []TableChange

	// S3Queue with identical path and format but different queue settings is
	// the one engine-adjacent case ClickHouse can alter in place.
	if settingsOnlyChange(normBefore, normAfter) {
		out = append(out, TableSettingsChanged{
			ID:     id,
			Table:  after,
			Before: normBefore.TableSettings,
			After:  normAfter.TableSettings,
		})
	}

	colChanges := diffColumns(normBefore.Columns, normAfter.Columns)
	structural := len(colChanges) > 0 || !normBefore.OrderBy.Equal(normAfter.OrderBy)
	if structural {
		upd := TableUpdated{ID: id, Before: before, After: after, ColumnChanges: colChanges}
		if !normBefore.OrderBy.Equal(normAfter.OrderBy) {
			upd.OrderByChange = &OrderByChange{Before: normBefore.OrderBy, After: normAfter.OrderBy}
		}
		out = append(out, upd)
	}

	if !stringPtrEq(normBefore.TableTTL, normAfter.TableTTL) {
		out = append(out, TableTtlChanged{ID: id, Table: after, Before: normBefore.TableTTL, After: normAfter.TableTTL})
	}
	return out
}

// mustRecreate reports whether the change touches an attribute ClickHouse
// cannot alter: ORDER BY combined with a key change, the primary key, the
// engine variant, its non-alterable parameters, or PARTITION BY / SAMPLE BY.
func mustRecreate(before, after *infra.Table) bool {
	if !equalStringSlices(before.PrimaryKeyColumns(), after.PrimaryKeyColumns()) {
		return true
	}
	if !before.OrderBy.Equal(after.OrderBy) {
		// ORDER BY cannot change in place. A pure expression change with the
		// same columns is still a rebuild.
		return true
	}
	if before.Engine.Name() != after.Engine.Name() {
		return true
	}
	if engineParamsChanged(before, after) {
		return true
	}
	if !stringPtrEq(before.PartitionBy, after.PartitionBy) {
		return true
	}
	if !stringPtrEq(before.SampleBy, after.SampleBy) {
		return true
	}
	return false
}

// engineParamsChanged compares engine identity. Stored hashes are preferred
// because introspected engines carry redacted credentials; a structural
// comparison is the fallback when either side predates hash persistence.
func engineParamsChanged(before, after *infra.Table) bool {
	if before.EngineParamsHash != "" && after.EngineParamsHash != "" {
		return before.EngineParamsHash != after.EngineParamsHash
	}
	return !schema.EnginesEquivalent(before.Engine, after.Engine)
}

// settingsOnlyChange reports whether the two sides differ in table settings
// while agreeing on everything the recreate check covers.
func settingsOnlyChange(before, after *infra.Table) bool {
	if len(before.TableSettings) == 0 && len(after.TableSettings) == 0 {
		return false
	}
	return !mapsEqual(before.TableSettings, after.TableSettings)
}

// diffColumns walks the target column list positionally. Renames are not
// detected: a renamed column diffs as a remove plus an add.
func diffColumns(before, after []schema.Column) []ColumnChange {
	byName := make(map[string]*schema.Column, len(before))
	for i := range before {
		byName[before[i].Name] = &before[i]
	}
	afterNames := make(map[string]struct{}, len(after))

	var out []ColumnChange
	var prev *string
	for i := range after {
		col := after[i]
		afterNames[col.Name] = struct{}{}
		old, exists := byName[col.Name]
		if !exists {
			var pos *string
			if prev != nil {
				p := *prev
				pos = &p
			}
			out = append(out, ColumnAdded{Column: col, PositionAfter: pos})
		} else if !schema.ColumnsEqual(old, &col) {
			if enumMetadataOnly(old, &col) {
				comment := schema.EnumMetadataComment(declaredEnum(&col))
				out = append(out, EnumMetadataOnly{Column: col, Comment: comment})
			} else {
				out = append(out, ColumnUpdated{Before: *old, After: col})
			}
		}
		name := col.Name
		prev = &name
	}
	for i := range before {
		if _, kept := afterNames[before[i].Name]; !kept {
			out = append(out, ColumnRemoved{Name: before[i].Name})
		}
	}
	return out
}

// enumMetadataOnly reports whether the only difference between two columns is
// the database's integer rendering of a declared string enum. The fix is a
// comment, not a type change.
func enumMetadataOnly(before, after *schema.Column) bool {
	if !schema.TypesEquivalentForDiff(before.Type, after.Type) {
		return false
	}
	if schema.TypesEqual(before.Type, after.Type) {
		return false
	}
	// Everything except type and comment must agree.
	b, a := *before, *after
	b.Type, a.Type = schema.StringType{}, schema.StringType{}
	b.Comment, a.Comment = nil, nil
	return schema.ColumnsEqual(&b, &a)
}

func declaredEnum(c *schema.Column) schema.EnumType {
	e, _ := unwrapDeclaredEnum(c.Type)
	return e
}

func unwrapDeclaredEnum(t schema.ColumnType) (schema.EnumType, bool) {
	switch v := t.(type) {
	case schema.EnumType:
		return v, true
	case schema.NullableType:
		return unwrapDeclaredEnum(v.Inner)
	case schema.ArrayType:
		return unwrapDeclaredEnum(v.Element)
	}
	return schema.EnumType{}, false
}

func stringPtrEq(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func equalStringSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func mapsEqual(a, b map[string]string) bool {
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
