// Package filter implements the listOrders filter/sort DSL of spec §6,
// generalized from the teacher's internal/filter/artefact.go — which
// hardcoded four fields (since/until/typeGlob/agentRole) ANDed together —
// into the full operator/field-path tree the spec calls for: nested
// and/or groups over top-level fields and bounded-depth dotted paths into
// order.meta.
package filter

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Op is one of the comparison operators of spec §6.
type Op string

const (
	OpEq          Op = "eq"
	OpNe          Op = "ne"
	OpGt          Op = "gt"
	OpGte         Op = "gte"
	OpLt          Op = "lt"
	OpLte         Op = "lte"
	OpIn          Op = "in"
	OpNin         Op = "nin"
	OpContains    Op = "contains"
	OpContainsAll Op = "contains_all"
	OpExists      Op = "exists"
	OpLengthEq    Op = "length_eq"
	OpIsNull      Op = "is_null"
	OpNotNull     Op = "not_null"
)

var validOps = map[Op]bool{
	OpEq: true, OpNe: true, OpGt: true, OpGte: true, OpLt: true, OpLte: true,
	OpIn: true, OpNin: true, OpContains: true, OpContainsAll: true,
	OpExists: true, OpLengthEq: true, OpIsNull: true, OpNotNull: true,
}

// Bool is the group conjunction of a nested filter expression.
type Bool string

const (
	And Bool = "and"
	Or  Bool = "or"
)

// MaxMetaDepth bounds how many dotted segments a "meta.a.b.c..." path may
// carry, per spec §6.
const MaxMetaDepth = 5

// Node is one node of a filter expression tree: either a Group (and/or of
// child Nodes) or a leaf Condition. Exactly one of Group/Condition is set.
type Node struct {
	Bool       Bool       `json:"bool,omitempty"`
	Children   []*Node    `json:"children,omitempty"`
	Condition  *Condition `json:"condition,omitempty"`
}

// Condition is a single field/operator/value leaf.
type Condition struct {
	Field string `json:"field"`
	Op    Op     `json:"op"`
	Value json.RawMessage `json:"value,omitempty"`
}

// IsLeaf reports whether n is a Condition rather than a Group.
func (n *Node) IsLeaf() bool { return n.Condition != nil }

// InvalidFilterError is returned for any malformed filter tree, carrying the
// offending node's path so the caller can pinpoint it (spec §7 FilterInvalid).
type InvalidFilterError struct {
	Path    string
	Code    string
	Message string
}

func (e *InvalidFilterError) Error() string {
	return fmt.Sprintf("invalid filter at %s: %s (%s)", e.Path, e.Message, e.Code)
}

// knownTopLevelFields are the Order columns filters may address directly;
// anything else must match the meta(\.[A-Za-z0-9_]+)+ pattern.
var knownTopLevelFields = map[string]bool{
	"id": true, "type": true, "state": true, "priority": true,
	"requestedByKind": true, "requestedById": true,
	"createdAt": true, "lastTransitionedAt": true, "appliedAt": true, "completedAt": true,
}

var metaPathSegment = func(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}

// Validate walks the tree and checks operator legality, field-path shape,
// and meta-depth bound. path is a human-readable breadcrumb used in error
// messages ("root", "root.children[0]", ...).
func Validate(n *Node, path string) error {
	if n == nil {
		return &InvalidFilterError{Path: path, Code: "empty_node", Message: "filter node is nil"}
	}
	if n.Condition != nil {
		if len(n.Children) > 0 {
			return &InvalidFilterError{Path: path, Code: "mixed_node", Message: "a condition node must not also have children"}
		}
		return validateCondition(n.Condition, path)
	}
	switch n.Bool {
	case And, Or:
	default:
		return &InvalidFilterError{Path: path, Code: "unknown_bool", Message: fmt.Sprintf("unknown group operator %q", n.Bool)}
	}
	if len(n.Children) == 0 {
		return &InvalidFilterError{Path: path, Code: "empty_group", Message: "group has no children"}
	}
	for i, c := range n.Children {
		if err := Validate(c, fmt.Sprintf("%s.children[%d]", path, i)); err != nil {
			return err
		}
	}
	return nil
}

func validateCondition(c *Condition, path string) error {
	if c.Field == "" {
		return &InvalidFilterError{Path: path, Code: "missing_field", Message: "condition field is required"}
	}
	if !validOps[c.Op] {
		return &InvalidFilterError{Path: path, Code: "unknown_op", Message: fmt.Sprintf("unknown operator %q", c.Op)}
	}
	if err := validateFieldPath(c.Field); err != nil {
		return &InvalidFilterError{Path: path, Code: "bad_field_path", Message: err.Error()}
	}
	switch c.Op {
	case OpExists, OpIsNull, OpNotNull:
		// unary — value ignored if present
	default:
		if len(c.Value) == 0 {
			return &InvalidFilterError{Path: path, Code: "missing_value", Message: fmt.Sprintf("operator %q requires a value", c.Op)}
		}
	}
	return nil
}

func validateFieldPath(field string) error {
	if knownTopLevelFields[field] {
		return nil
	}
	segs := strings.Split(field, ".")
	if segs[0] != "meta" {
		return fmt.Errorf("unknown field %q: must be a top-level field or a meta(.segment)+ path", field)
	}
	if len(segs) < 2 {
		return fmt.Errorf("meta path must have at least one segment after 'meta'")
	}
	if len(segs)-1 > MaxMetaDepth {
		return fmt.Errorf("meta path exceeds max depth %d: %q", MaxMetaDepth, field)
	}
	for _, s := range segs[1:] {
		if !metaPathSegment(s) {
			return fmt.Errorf("invalid meta path segment %q in %q", s, field)
		}
	}
	return nil
}

// Parse decodes raw JSON into a Node tree and validates it.
func Parse(raw json.RawMessage) (*Node, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var n Node
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, &InvalidFilterError{Path: "root", Code: "malformed_json", Message: err.Error()}
	}
	if err := Validate(&n, "root"); err != nil {
		return nil, err
	}
	return &n, nil
}

// IsMetaPath reports whether field addresses order.meta, and returns the
// dotted segments after "meta" if so.
func IsMetaPath(field string) (segs []string, ok bool) {
	if !strings.HasPrefix(field, "meta.") {
		return nil, false
	}
	return strings.Split(field, ".")[1:], true
}
