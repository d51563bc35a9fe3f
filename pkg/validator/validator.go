// Package validator deterministically checks a parsed plan against the
// contract set for a role. It performs no I/O: identical inputs always
// produce identical results, which is what makes the planner's output safe
// to treat as untrusted.
package validator

import (
	"fmt"
	"strings"

	"github.com/camrenhall/luceron-ai-backend-server/pkg/contracts"
	"github.com/camrenhall/luceron-ai-backend-server/pkg/dsl"
	"github.com/camrenhall/luceron-ai-backend-server/pkg/models"
)

// Error is a typed validation failure. A plan is atomically accepted or
// rejected; the first failing check wins.
type Error struct {
	Type     models.ErrorType
	Message  string
	Field    string
	Resource string
	Details  map[string]any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func invalid(resource, field, format string, args ...any) *Error {
	return &Error{
		Type:     models.ErrInvalidQuery,
		Message:  fmt.Sprintf(format, args...),
		Field:    field,
		Resource: resource,
	}
}

// Validate checks plan against the contracts visible to role. A nil return
// means the plan is accepted in full.
func Validate(plan *dsl.Plan, snap *contracts.Snapshot, role string) *Error {
	if plan == nil || len(plan.Steps) == 0 {
		return invalid("", "", "plan must contain at least one step")
	}
	if len(plan.Steps) > 1 {
		return invalid("", "", "multi-step plans are not supported")
	}
	step := plan.Primary()

	contract, ok := snap.ForRole(step.Resource, role)
	if !ok {
		// Indistinguishable from a nonexistent resource on purpose.
		return &Error{
			Type:     models.ErrResourceNotFound,
			Message:  fmt.Sprintf("resource not found: %s", step.Resource),
			Resource: step.Resource,
		}
	}

	switch step.Op {
	case contracts.OpRead:
		return validateRead(step, contract, snap, role)
	case contracts.OpUpdate:
		return validateUpdate(step, contract)
	case contracts.OpInsert:
		return validateInsert(step, contract)
	default:
		return invalid(step.Resource, "", "operation %q is not allowed", step.Op)
	}
}

func validateRead(step *dsl.Step, contract *contracts.Contract, snap *contracts.Snapshot, role string) *Error {
	if !contract.IsOperationAllowed(contracts.OpRead) {
		return opDenied(contracts.OpRead, step.Resource)
	}
	for _, name := range step.Select {
		if err := requireReadable(contract, name); err != nil {
			return err
		}
	}
	if err := validateWhere(step.Where, contract); err != nil {
		return err
	}
	for _, ob := range step.OrderBy {
		if dir := strings.ToLower(ob.Dir); dir != "" && dir != "asc" && dir != "desc" {
			return invalid(step.Resource, ob.Field, "order direction must be asc or desc, got %q", ob.Dir)
		}
		if !contract.IsOrderAllowed(ob.Field) {
			return invalid(step.Resource, ob.Field, "field not allowed in order_by: %s", ob.Field)
		}
	}
	if step.Limit <= 0 {
		return invalid(step.Resource, "", "limit must be positive, got %d", step.Limit)
	}
	if step.Limit > contract.Limits.MaxRows {
		return &Error{
			Type:     models.ErrInvalidQuery,
			Message:  fmt.Sprintf("limit %d exceeds maximum %d", step.Limit, contract.Limits.MaxRows),
			Resource: step.Resource,
			Details:  map[string]any{"limit": step.Limit, "max_rows": contract.Limits.MaxRows},
		}
	}
	if step.Offset < 0 {
		return invalid(step.Resource, "", "offset cannot be negative: %d", step.Offset)
	}
	return validateJoins(step, contract, snap, role)
}

func validateUpdate(step *dsl.Step, contract *contracts.Contract) *Error {
	if !contract.IsOperationAllowed(contracts.OpUpdate) {
		return opDenied(contracts.OpUpdate, step.Resource)
	}
	// Safety invariants are hard-coded: a set-based update is never legal
	// regardless of what a contract says.
	if step.Limit != 1 {
		return invalid(step.Resource, "", "UPDATE limit must be exactly 1, got %d", step.Limit)
	}
	pk := contract.PrimaryKey
	pkPinned := false
	for _, w := range step.Where {
		if w.Field == pk && w.Op == string(contracts.OpEQ) {
			pkPinned = true
			break
		}
	}
	if !pkPinned {
		return invalid(step.Resource, pk, "UPDATE must pin one row via %s = <value>", pk)
	}
	if err := validateWhere(step.Where, contract); err != nil {
		return err
	}
	if len(step.Update) > contract.Limits.MaxUpdateFields {
		return invalid(step.Resource, "", "too many update fields: %d > %d", len(step.Update), contract.Limits.MaxUpdateFields)
	}
	for name, value := range step.Update {
		field := contract.GetField(name)
		if field == nil {
			return invalid(step.Resource, name, "field does not exist: %s", name)
		}
		if !field.Writable {
			return fieldDenied(step.Resource, name, "writable")
		}
		if err := coerceValue(field, value, step.Resource); err != nil {
			return err
		}
	}
	return nil
}

func validateInsert(step *dsl.Step, contract *contracts.Contract) *Error {
	if !contract.IsOperationAllowed(contracts.OpInsert) {
		return opDenied(contracts.OpInsert, step.Resource)
	}
	pk := contract.PrimaryKey
	if _, present := step.Values[pk]; present {
		return invalid(step.Resource, pk, "primary key %s is store-generated and cannot be supplied", pk)
	}
	for name, value := range step.Values {
		field := contract.GetField(name)
		if field == nil {
			return invalid(step.Resource, name, "field does not exist: %s", name)
		}
		if !field.Writable {
			return fieldDenied(step.Resource, name, "writable")
		}
		if err := coerceValue(field, value, step.Resource); err != nil {
			return err
		}
	}
	// Non-nullable writable fields must be supplied; auto-managed
	// timestamps and the PK are store-populated.
	for _, field := range contract.Fields {
		if field.Nullable || !field.Writable || field.Name == pk {
			continue
		}
		if field.Name == "created_at" || field.Name == "updated_at" {
			continue
		}
		if _, present := step.Values[field.Name]; !present {
			return invalid(step.Resource, field.Name, "required field missing: %s", field.Name)
		}
	}
	return nil
}

func validateWhere(where []dsl.Where, contract *contracts.Contract) *Error {
	if len(where) > contract.Limits.MaxPredicates {
		return &Error{
			Type:     models.ErrInvalidQuery,
			Message:  fmt.Sprintf("too many predicates: %d > %d", len(where), contract.Limits.MaxPredicates),
			Resource: contract.Resource,
			Details:  map[string]any{"predicates": len(where), "max_predicates": contract.Limits.MaxPredicates},
		}
	}
	for _, w := range where {
		field := contract.GetField(w.Field)
		if field == nil {
			return invalid(contract.Resource, w.Field, "field does not exist: %s", w.Field)
		}
		if !field.Readable {
			return fieldDenied(contract.Resource, w.Field, "readable")
		}
		op, known := contracts.ParseOperator(w.Op)
		if !known {
			return invalid(contract.Resource, w.Field, "invalid operator: %s", w.Op)
		}
		if !contract.IsOperatorAllowed(w.Field, op) {
			return &Error{
				Type:     models.ErrInvalidQuery,
				Message:  fmt.Sprintf("operator %s not allowed for field %s", op, w.Field),
				Field:    w.Field,
				Resource: contract.Resource,
				Details:  map[string]any{"allowed_operators": contract.AllowedOperators(w.Field)},
			}
		}
		if err := coercePredicate(field, op, w.Value, contract.Resource); err != nil {
			return err
		}
	}
	return nil
}

func validateJoins(step *dsl.Step, contract *contracts.Contract, snap *contracts.Snapshot, role string) *Error {
	if len(step.Joins) == 0 {
		return nil
	}
	if len(step.Joins) > contract.Limits.MaxJoins {
		return invalid(step.Resource, "", "too many joins: %d > %d", len(step.Joins), contract.Limits.MaxJoins)
	}
	for _, join := range step.Joins {
		if join.Type != "" && join.Type != "inner" {
			return invalid(step.Resource, "", "join type %q not supported, only inner joins are allowed", join.Type)
		}
		target, ok := snap.ForRole(join.TargetResource, role)
		if !ok {
			return &Error{
				Type:     models.ErrResourceNotFound,
				Message:  fmt.Sprintf("join target resource not found: %s", join.TargetResource),
				Resource: step.Resource,
			}
		}
		if !contract.IsJoinAllowed(join.TargetResource, join.On) {
			return &Error{
				Type:     models.ErrUnauthorizedOperation,
				Message:  fmt.Sprintf("join from %s to %s is not allowed by contract", step.Resource, join.TargetResource),
				Resource: step.Resource,
			}
		}
		for _, on := range join.On {
			if on.LeftField == "" || on.RightField == "" {
				return invalid(step.Resource, "", "join clause requires leftField and rightField")
			}
			if err := requireReadable(contract, on.LeftField); err != nil {
				return err
			}
			if err := requireReadable(target, on.RightField); err != nil {
				return err
			}
		}
	}
	return nil
}

func requireReadable(contract *contracts.Contract, name string) *Error {
	field := contract.GetField(name)
	if field == nil {
		return invalid(contract.Resource, name, "field does not exist: %s", name)
	}
	if !field.Readable {
		return fieldDenied(contract.Resource, name, "readable")
	}
	return nil
}

func opDenied(op contracts.Operation, resource string) *Error {
	return &Error{
		Type:     models.ErrUnauthorizedOperation,
		Message:  fmt.Sprintf("%s operation not allowed on %s", op, resource),
		Resource: resource,
	}
}

func fieldDenied(resource, field, capability string) *Error {
	return &Error{
		Type:     models.ErrUnauthorizedField,
		Message:  fmt.Sprintf("field not %s: %s", capability, field),
		Field:    field,
		Resource: resource,
	}
}
