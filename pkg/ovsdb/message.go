// Package ovsdb drives a connection to a local OVSDB server.
//
// Callers express a transaction as an ordered list of TransactMessages,
// each targeting one table with one operation. The connection allocates
// monotonic request ids, routes each reply to the originating caller
// exactly once, and reconciles named-uuid references across the
// operations of one transaction. On top of the raw transact layer the
// client exposes idempotent create/update/delete of mirrors, ERSPAN
// ports, IPFIX and NetFlow exporters.
//
// Wire values (sets, maps, uuid and named-uuid references) use the
// libovsdb notation types, which marshal to the standard OVSDB JSON
// forms.
package ovsdb

import (
	"github.com/ovn-org/libovsdb/ovsdb"
)

// Operation selects the OVSDB operation of a TransactMessage
type Operation string

// Supported OVSDB operations
const (
	OperationSelect Operation = "select"
	OperationInsert Operation = "insert"
	OperationUpdate Operation = "update"
	OperationMutate Operation = "mutate"
	OperationDelete Operation = "delete"
)

// Table names the OVSDB tables the agent configures
type Table string

// Tables of the Open_vSwitch database used by the agent
const (
	TableBridge    Table = "Bridge"
	TablePort      Table = "Port"
	TableInterface Table = "Interface"
	TableMirror    Table = "Mirror"
	TableNetFlow   Table = "NetFlow"
	TableIPFIX     Table = "IPFIX"
)

// Condition ops
const (
	CondEqual    = string(ovsdb.ConditionEqual)
	CondNotEqual = string(ovsdb.ConditionNotEqual)
	CondIncludes = string(ovsdb.ConditionIncludes)
	CondExcludes = string(ovsdb.ConditionExcludes)
)

// Condition filters the rows an operation applies to
type Condition struct {
	Column string
	Op     string
	Value  interface{}
}

// TransactMessage is one operation within a transaction
type TransactMessage struct {
	// Op is the OVSDB operation
	Op Operation

	// Table is the target table
	Table Table

	// Columns is the projection for select
	Columns []string

	// Conditions filter the affected rows for non-insert operations
	Conditions []Condition

	// Row carries column assignments for insert and update
	Row map[string]interface{}

	// MutateRow carries column mutations for mutate
	MutateRow []ovsdb.Mutation

	// UUIDName is a symbolic uuid for an inserted row, valid within
	// the enclosing transaction; sibling operations reference it with
	// NamedUUID
	UUIDName string
}

// toOperation builds the wire representation. The operation is encoded
// as a plain map so the mandatory "where" member is present even when
// the condition set is empty.
func (m *TransactMessage) toOperation() map[string]interface{} {
	op := map[string]interface{}{
		"op":    string(m.Op),
		"table": string(m.Table),
	}
	if len(m.Columns) > 0 {
		op["columns"] = m.Columns
	}
	if m.Op != OperationInsert {
		where := make([]ovsdb.Condition, 0, len(m.Conditions))
		for _, c := range m.Conditions {
			where = append(where, ovsdb.Condition{
				Column:   c.Column,
				Function: ovsdb.ConditionFunction(c.Op),
				Value:    c.Value,
			})
		}
		op["where"] = where
	}
	if len(m.Row) > 0 {
		op["row"] = m.Row
	}
	if len(m.MutateRow) > 0 {
		op["mutations"] = m.MutateRow
	}
	if m.UUIDName != "" {
		op["uuid-name"] = m.UUIDName
	}
	return op
}

// UUIDRef builds a reference to an existing row. The library marshals
// it as ["uuid", value] when value is a canonical 36-character uuid
// and as ["named-uuid", value] otherwise.
func UUIDRef(uuid string) ovsdb.UUID {
	return ovsdb.UUID{GoUUID: uuid}
}

// NamedUUID builds a ["named-uuid", name] reference to a row inserted
// by a sibling operation. The name must not have the form of a
// canonical uuid, which the library would tag "uuid" instead.
func NamedUUID(name string) ovsdb.UUID {
	return ovsdb.UUID{GoUUID: name}
}

// UUIDSet builds a set of uuid references. Each member is spelled out
// as ["uuid", value] whatever the form of value.
func UUIDSet(uuids []string) ovsdb.OvsSet {
	refs := make([]interface{}, 0, len(uuids))
	for _, u := range uuids {
		refs = append(refs, []interface{}{"uuid", u})
	}
	return ovsdb.OvsSet{GoSet: refs}
}

// EmptySet builds the empty set, used to clear a column. The notation
// is spelled out directly so the member list is always a JSON array.
func EmptySet() interface{} {
	return []interface{}{"set", []interface{}{}}
}

// StringMap builds an OVSDB map value from a Go map
func StringMap(m map[string]string) ovsdb.OvsMap {
	gm := make(map[interface{}]interface{}, len(m))
	for k, v := range m {
		gm[k] = v
	}
	return ovsdb.OvsMap{GoMap: gm}
}

// decodeValue normalizes an OVSDB result value: uuid and named-uuid
// references decode to their string, sets to a slice, maps to a
// map[string]string, scalars pass through.
func decodeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case ovsdb.UUID:
		return val.GoUUID
	case ovsdb.OvsSet:
		out := make([]interface{}, 0, len(val.GoSet))
		for _, e := range val.GoSet {
			out = append(out, decodeValue(e))
		}
		return out
	case ovsdb.OvsMap:
		out := make(map[string]string, len(val.GoMap))
		for k, mv := range val.GoMap {
			ks, ok1 := decodeValue(k).(string)
			vs, ok2 := decodeValue(mv).(string)
			if ok1 && ok2 {
				out[ks] = vs
			}
		}
		return out
	case []interface{}:
		if len(val) == 2 {
			if tag, ok := val[0].(string); ok {
				switch tag {
				case "uuid", "named-uuid":
					return val[1]
				case "set":
					if inner, ok := val[1].([]interface{}); ok {
						out := make([]interface{}, 0, len(inner))
						for _, e := range inner {
							out = append(out, decodeValue(e))
						}
						return out
					}
				case "map":
					if inner, ok := val[1].([]interface{}); ok {
						out := make(map[string]string, len(inner))
						for _, e := range inner {
							pair, ok := e.([]interface{})
							if !ok || len(pair) != 2 {
								continue
							}
							k, ok1 := decodeValue(pair[0]).(string)
							v, ok2 := decodeValue(pair[1]).(string)
							if ok1 && ok2 {
								out[k] = v
							}
						}
						return out
					}
				}
			}
		}
		return val
	default:
		return v
	}
}

// rowString extracts a string-typed column from a result row. A uuid
// reference decodes to its uuid string.
func rowString(row map[string]interface{}, column string) (string, bool) {
	v, ok := row[column]
	if !ok {
		return "", false
	}
	s, ok := decodeValue(v).(string)
	return s, ok
}

// rowUUIDSet extracts a uuid-set column from a result row. A single
// uuid reference decodes to a one-element set.
func rowUUIDSet(row map[string]interface{}, column string) []string {
	v, ok := row[column]
	if !ok {
		return nil
	}
	switch dv := decodeValue(v).(type) {
	case string:
		return []string{dv}
	case []interface{}:
		out := make([]string, 0, len(dv))
		for _, e := range dv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// rowStringMap extracts a map column from a result row
func rowStringMap(row map[string]interface{}, column string) map[string]string {
	v, ok := row[column]
	if !ok {
		return nil
	}
	if m, ok := decodeValue(v).(map[string]string); ok {
		return m
	}
	return nil
}
