package contracts

import "strings"

// FieldType enumerates the scalar types a contract field may declare.
type FieldType string

const (
	TypeUUID      FieldType = "uuid"
	TypeString    FieldType = "string"
	TypeText      FieldType = "text"
	TypeNumber    FieldType = "number"
	TypeInteger   FieldType = "integer"
	TypeBoolean   FieldType = "boolean"
	TypeDate      FieldType = "date"
	TypeTimestamp FieldType = "timestamp"
	TypeJSON      FieldType = "json"
)

// Operator enumerates comparison operators usable in where predicates.
type Operator string

const (
	OpEQ      Operator = "="
	OpNEQ     Operator = "!="
	OpGT      Operator = ">"
	OpGTE     Operator = ">="
	OpLT      Operator = "<"
	OpLTE     Operator = "<="
	OpIN      Operator = "IN"
	OpBETWEEN Operator = "BETWEEN"
	OpLIKE    Operator = "LIKE"
	OpILIKE   Operator = "ILIKE"
)

// Operation enumerates the only operations representable in the plan IR.
// DELETE has no value here on purpose.
type Operation string

const (
	OpRead   Operation = "READ"
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
)

// Field is one column of a resource as a role is allowed to see it.
type Field struct {
	Name     string    `yaml:"name" json:"name"`
	Type     FieldType `yaml:"type" json:"type"`
	Nullable bool      `yaml:"nullable" json:"nullable"`
	PII      bool      `yaml:"pii" json:"pii"`
	Readable bool      `yaml:"readable" json:"readable"`
	Writable bool      `yaml:"writable" json:"writable"`
	Enum     []string  `yaml:"enum,omitempty" json:"enum,omitempty"`
}

// Limits caps plan shape per resource. Zero values fall back to defaults.
type Limits struct {
	MaxRows         int `yaml:"max_rows" json:"max_rows"`
	MaxPredicates   int `yaml:"max_predicates" json:"max_predicates"`
	MaxUpdateFields int `yaml:"max_update_fields" json:"max_update_fields"`
	MaxJoins        int `yaml:"max_joins" json:"max_joins"`
}

const (
	DefaultMaxRows         = 100
	DefaultMaxPredicates   = 10
	DefaultMaxUpdateFields = 10
	DefaultMaxJoins        = 1
)

func (l Limits) withDefaults() Limits {
	if l.MaxRows <= 0 {
		l.MaxRows = DefaultMaxRows
	}
	if l.MaxPredicates <= 0 {
		l.MaxPredicates = DefaultMaxPredicates
	}
	if l.MaxUpdateFields <= 0 {
		l.MaxUpdateFields = DefaultMaxUpdateFields
	}
	if l.MaxJoins <= 0 {
		l.MaxJoins = DefaultMaxJoins
	}
	return l
}

// JoinOn pairs a field on the owning resource with one on the target.
type JoinOn struct {
	LeftField  string `yaml:"left_field" json:"leftField"`
	RightField string `yaml:"right_field" json:"rightField"`
}

// Join declares a permitted inner join to another resource.
type Join struct {
	TargetResource string   `yaml:"target_resource" json:"target_resource"`
	On             []JoinOn `yaml:"on" json:"on"`
	Type           string   `yaml:"type" json:"type"`
}

// Contract is the policy unit: one per (resource, role, version).
// Immutable once loaded; requests hold a snapshot reference.
type Contract struct {
	Version        string                  `yaml:"version" json:"version"`
	Resource       string                  `yaml:"resource" json:"resource"`
	PrimaryKey     string                  `yaml:"primary_key" json:"primary_key"`
	OpsAllowed     []Operation             `yaml:"ops_allowed" json:"ops_allowed"`
	Fields         []Field                 `yaml:"fields" json:"fields"`
	FiltersAllowed map[string][]Operator   `yaml:"filters_allowed" json:"filters_allowed"`
	OrderAllowed   []string                `yaml:"order_allowed" json:"order_allowed"`
	Limits         Limits                  `yaml:"limits" json:"limits"`
	JoinsAllowed   []Join                  `yaml:"joins_allowed,omitempty" json:"joins_allowed,omitempty"`
}

// GetField returns the field definition or nil when the name is unknown.
func (c *Contract) GetField(name string) *Field {
	for i := range c.Fields {
		if c.Fields[i].Name == name {
			return &c.Fields[i]
		}
	}
	return nil
}

func (c *Contract) IsOperationAllowed(op Operation) bool {
	for _, allowed := range c.OpsAllowed {
		if allowed == op {
			return true
		}
	}
	return false
}

func (c *Contract) IsFieldReadable(name string) bool {
	f := c.GetField(name)
	return f != nil && f.Readable
}

func (c *Contract) IsFieldWritable(name string) bool {
	f := c.GetField(name)
	return f != nil && f.Writable
}

// AllowedOperators returns the operator set permitted on a field.
func (c *Contract) AllowedOperators(field string) []Operator {
	return c.FiltersAllowed[field]
}

func (c *Contract) IsOperatorAllowed(field string, op Operator) bool {
	for _, allowed := range c.FiltersAllowed[field] {
		if allowed == op {
			return true
		}
	}
	return false
}

func (c *Contract) IsOrderAllowed(field string) bool {
	for _, name := range c.OrderAllowed {
		if name == field {
			return true
		}
	}
	return false
}

// IsJoinAllowed reports whether a join to target with the exact field pairs
// appears verbatim in joins_allowed.
func (c *Contract) IsJoinAllowed(target string, on []JoinOn) bool {
	for _, j := range c.JoinsAllowed {
		if j.TargetResource != target {
			continue
		}
		if len(j.On) != len(on) {
			continue
		}
		match := true
		for i := range on {
			if j.On[i] != on[i] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// BaselineOperators is the contract-overridable operator/type legality table.
func BaselineOperators(t FieldType) []Operator {
	switch t {
	case TypeString, TypeText:
		return []Operator{OpEQ, OpNEQ, OpLIKE, OpILIKE, OpIN}
	case TypeNumber, TypeInteger:
		return []Operator{OpEQ, OpNEQ, OpGT, OpGTE, OpLT, OpLTE, OpIN, OpBETWEEN}
	case TypeDate, TypeTimestamp:
		return []Operator{OpEQ, OpGT, OpGTE, OpLT, OpLTE, OpBETWEEN}
	default:
		return []Operator{OpEQ}
	}
}

// ParseOperator validates a raw operator token against the closed set.
func ParseOperator(raw string) (Operator, bool) {
	switch Operator(strings.TrimSpace(raw)) {
	case OpEQ, OpNEQ, OpGT, OpGTE, OpLT, OpLTE, OpIN, OpBETWEEN, OpLIKE, OpILIKE:
		return Operator(strings.TrimSpace(raw)), true
	}
	return "", false
}
