package postgres

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/orderforge/workorder/internal/filter"
)

// renderFilter turns a validated filter.Node into a Postgres WHERE fragment
// and its positional arguments, starting parameter numbering at paramStart.
// Top-level fields map to columns; "meta.a.b" paths render as
// `meta #>> '{a,b}'` JSONB path extraction and compare as text; no cast is
// applied per operator (contains_all uses the jsonb `#>` form instead).
func renderFilter(n *filter.Node, paramStart int) (clause string, args []interface{}, err error) {
	if n == nil {
		return "TRUE", nil, nil
	}
	next := paramStart
	var build func(n *filter.Node) (string, error)
	build = func(n *filter.Node) (string, error) {
		if n.IsLeaf() {
			s, a, e := renderCondition(n.Condition, next)
			if e != nil {
				return "", e
			}
			next += len(a)
			args = append(args, a...)
			return s, nil
		}
		parts := make([]string, 0, len(n.Children))
		for _, c := range n.Children {
			s, e := build(c)
			if e != nil {
				return "", e
			}
			parts = append(parts, "("+s+")")
		}
		sep := " AND "
		if n.Bool == filter.Or {
			sep = " OR "
		}
		return strings.Join(parts, sep), nil
	}
	clause, err = build(n)
	return clause, args, err
}

func columnExpr(field string) (expr string, isText bool) {
	if segs, ok := filter.IsMetaPath(field); ok {
		quoted := make([]string, len(segs))
		for i, s := range segs {
			quoted[i] = s
		}
		return fmt.Sprintf("meta #>> '{%s}'", strings.Join(quoted, ",")), true
	}
	switch field {
	case "id", "type", "state", "requestedByKind", "requestedById":
		col := toColumn(field)
		return col, true
	case "priority":
		return "priority", false
	case "createdAt", "lastTransitionedAt", "appliedAt", "completedAt":
		return toColumn(field), false
	default:
		return field, true
	}
}

// jsonbColumnExpr returns the jsonb-typed (not text-extracted) expression
// for a meta path, e.g. "meta #> '{tags}'" — the `#>` operator, unlike
// columnExpr's `#>>`, preserves the jsonb type so containment operators
// like `@>` type-check against it. Only meta paths are jsonb; ordinary
// columns have no jsonb representation to offer.
func jsonbColumnExpr(field string) (expr string, ok bool) {
	segs, ok := filter.IsMetaPath(field)
	if !ok {
		return "", false
	}
	return fmt.Sprintf("meta #> '{%s}'", strings.Join(segs, ",")), true
}

func toColumn(field string) string {
	switch field {
	case "requestedByKind":
		return "requested_by_kind"
	case "requestedById":
		return "requested_by_id"
	case "lastTransitionedAt":
		return "last_transitioned_at"
	case "appliedAt":
		return "applied_at"
	case "completedAt":
		return "completed_at"
	case "createdAt":
		return "created_at"
	default:
		return field
	}
}

func renderCondition(c *filter.Condition, paramStart int) (string, []interface{}, error) {
	expr, isText := columnExpr(c.Field)

	switch c.Op {
	case filter.OpExists, filter.OpNotNull:
		if segs, ok := filter.IsMetaPath(c.Field); ok {
			return fmt.Sprintf("meta #> '{%s}' IS NOT NULL", strings.Join(segs, ",")), nil, nil
		}
		return fmt.Sprintf("%s IS NOT NULL", expr), nil, nil
	case filter.OpIsNull:
		if segs, ok := filter.IsMetaPath(c.Field); ok {
			return fmt.Sprintf("meta #> '{%s}' IS NULL", strings.Join(segs, ",")), nil, nil
		}
		return fmt.Sprintf("%s IS NULL", expr), nil, nil
	}

	var val interface{}
	if len(c.Value) > 0 {
		if err := json.Unmarshal(c.Value, &val); err != nil {
			return "", nil, fmt.Errorf("field %s: invalid value: %w", c.Field, err)
		}
	}

	ph := fmt.Sprintf("$%d", paramStart)
	castExpr := expr
	if isText {
		// no cast needed; meta paths and text columns compare as text
	}

	switch c.Op {
	case filter.OpEq:
		return fmt.Sprintf("%s = %s", castExpr, ph), []interface{}{toArg(val)}, nil
	case filter.OpNe:
		return fmt.Sprintf("%s <> %s", castExpr, ph), []interface{}{toArg(val)}, nil
	case filter.OpGt:
		return fmt.Sprintf("%s > %s", castExpr, ph), []interface{}{toArg(val)}, nil
	case filter.OpGte:
		return fmt.Sprintf("%s >= %s", castExpr, ph), []interface{}{toArg(val)}, nil
	case filter.OpLt:
		return fmt.Sprintf("%s < %s", castExpr, ph), []interface{}{toArg(val)}, nil
	case filter.OpLte:
		return fmt.Sprintf("%s <= %s", castExpr, ph), []interface{}{toArg(val)}, nil
	case filter.OpIn:
		arr, ok := val.([]interface{})
		if !ok {
			return "", nil, fmt.Errorf("field %s: 'in' requires an array value", c.Field)
		}
		return fmt.Sprintf("%s = ANY(%s)", castExpr, ph), []interface{}{pq.Array(toArgSlice(arr))}, nil
	case filter.OpNin:
		arr, ok := val.([]interface{})
		if !ok {
			return "", nil, fmt.Errorf("field %s: 'nin' requires an array value", c.Field)
		}
		return fmt.Sprintf("NOT (%s = ANY(%s))", castExpr, ph), []interface{}{pq.Array(toArgSlice(arr))}, nil
	case filter.OpContains:
		return fmt.Sprintf("%s LIKE '%%' || %s || '%%'", castExpr, ph), []interface{}{toArg(val)}, nil
	case filter.OpContainsAll:
		arr, ok := val.([]interface{})
		if !ok {
			return "", nil, fmt.Errorf("field %s: 'contains_all' requires an array value", c.Field)
		}
		jsonbExpr, ok := jsonbColumnExpr(c.Field)
		if !ok {
			return "", nil, fmt.Errorf("field %s: 'contains_all' only supports meta paths", c.Field)
		}
		payload, err := json.Marshal(arr)
		if err != nil {
			return "", nil, fmt.Errorf("field %s: invalid contains_all value: %w", c.Field, err)
		}
		return fmt.Sprintf("%s @> %s::jsonb", jsonbExpr, ph), []interface{}{payload}, nil
	case filter.OpLengthEq:
		return fmt.Sprintf("jsonb_array_length(meta #> '{%s}') = %s", metaSegsOrField(c.Field), ph), []interface{}{toArg(val)}, nil
	default:
		return "", nil, fmt.Errorf("field %s: unsupported operator %q", c.Field, c.Op)
	}
}

func metaSegsOrField(field string) string {
	if segs, ok := filter.IsMetaPath(field); ok {
		return strings.Join(segs, ",")
	}
	return field
}

func toArg(v interface{}) interface{} { return v }

func toArgSlice(arr []interface{}) []interface{} { return arr }
