package schema

import (
	"encoding/json"
	"strings"
)

// MetadataCommentPrefix marks column comments that carry framework metadata.
// The database owns the integer encoding of string enums; the original
// declaration is persisted in the column comment so introspection can round
// it back without a type change.
const MetadataCommentPrefix = "[MOOSE_METADATA:DO_NOT_MODIFY] "

type enumMetadataMember struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

type enumMetadata struct {
	Name    string               `json:"name"`
	Members []enumMetadataMember `json:"members"`
}

type metadataEnvelope struct {
	Version int          `json:"version"`
	Enum    enumMetadata `json:"enum"`
}

// EnumMetadataComment renders the column comment that preserves an enum's
// declared shape alongside the database's integer-mapped rendering.
func EnumMetadataComment(e EnumType) string {
	env := metadataEnvelope{Version: 1, Enum: enumMetadata{Name: e.Name}}
	for _, m := range e.Members {
		member := enumMetadataMember{Name: m.Name}
		if m.IsString {
			member.Value = m.StrValue
		} else {
			member.Value = int(m.IntValue)
		}
		env.Enum.Members = append(env.Enum.Members, member)
	}
	data, _ := json.Marshal(env)
	return MetadataCommentPrefix + string(data)
}

// ParseEnumMetadataComment recovers the declared enum from a metadata
// comment. Returns false for ordinary comments.
func ParseEnumMetadataComment(comment string) (EnumType, bool) {
	if !strings.HasPrefix(comment, MetadataCommentPrefix) {
		return EnumType{}, false
	}
	var env metadataEnvelope
	if err := json.Unmarshal([]byte(strings.TrimPrefix(comment, MetadataCommentPrefix)), &env); err != nil {
		return EnumType{}, false
	}
	out := EnumType{Name: env.Enum.Name}
	for _, m := range env.Enum.Members {
		member := EnumMember{Name: m.Name}
		switch v := m.Value.(type) {
		case string:
			member.IsString = true
			member.StrValue = v
		case float64:
			if v < 0 || v > 255 {
				return EnumType{}, false
			}
			member.IntValue = uint8(v)
		default:
			return EnumType{}, false
		}
		out.Members = append(out.Members, member)
	}
	return out, true
}

// EnumsEquivalent reports whether two enums describe the same value set even
// though one side is the database's integer-mapped form and the other the
// declared string enum. The database renders Enum('text' = 1, 'email' = 2)
// for a declared {TEXT: "text", EMAIL: "email"}: member counts must match and
// the cross-mapping must hold position by position.
func EnumsEquivalent(a, b EnumType) bool {
	if len(a.Members) != len(b.Members) {
		return false
	}
	if enumMembersIdentical(a, b) {
		return true
	}
	return enumCrossMatches(a, b) || enumCrossMatches(b, a)
}

func enumMembersIdentical(a, b EnumType) bool {
	for i := range a.Members {
		am, bm := a.Members[i], b.Members[i]
		if am.Name != bm.Name || am.IsString != bm.IsString {
			return false
		}
		if am.IsString && am.StrValue != bm.StrValue {
			return false
		}
		if !am.IsString && am.IntValue != bm.IntValue {
			return false
		}
	}
	return true
}

// enumCrossMatches checks db (integer members whose names are the string
// values) against decl (string members).
func enumCrossMatches(db, decl EnumType) bool {
	for i := range db.Members {
		dbm, dm := db.Members[i], decl.Members[i]
		if dbm.IsString || !dm.IsString {
			return false
		}
		if dbm.Name != dm.StrValue {
			return false
		}
	}
	return true
}

// TypesEquivalentForDiff is TypesEqual widened by enum cross-equivalence at
// any nesting depth that matters in practice (top level and one Nullable or
// Array wrapper, which is all the loader produces for enums).
func TypesEquivalentForDiff(a, b ColumnType) bool {
	if TypesEqual(a, b) {
		return true
	}
	ae, aok := unwrapEnum(a)
	be, bok := unwrapEnum(b)
	if aok && bok {
		return EnumsEquivalent(ae, be)
	}
	return false
}

func unwrapEnum(t ColumnType) (EnumType, bool) {
	switch v := t.(type) {
	case EnumType:
		return v, true
	case NullableType:
		return unwrapEnum(v.Inner)
	case ArrayType:
		return unwrapEnum(v.Element)
	}
	return EnumType{}, false
}
