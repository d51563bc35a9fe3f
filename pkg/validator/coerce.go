package validator

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/camrenhall/luceron-ai-backend-server/pkg/contracts"
	"github.com/camrenhall/luceron-ai-backend-server/pkg/models"
)

// coercePredicate applies typed coercion to a predicate literal, expanding
// IN lists and BETWEEN pairs before checking elements.
func coercePredicate(field *contracts.Field, op contracts.Operator, value any, resource string) *Error {
	switch op {
	case contracts.OpIN:
		items, ok := value.([]any)
		if !ok {
			return invalid(resource, field.Name, "IN requires an array value for field %s", field.Name)
		}
		if len(items) == 0 {
			return invalid(resource, field.Name, "IN requires at least one value for field %s", field.Name)
		}
		for _, item := range items {
			if err := coerceValue(field, item, resource); err != nil {
				return err
			}
		}
		return nil
	case contracts.OpBETWEEN:
		items, ok := value.([]any)
		if !ok || len(items) != 2 {
			return invalid(resource, field.Name, "BETWEEN requires an array of exactly 2 values for field %s", field.Name)
		}
		for _, item := range items {
			if err := coerceValue(field, item, resource); err != nil {
				return err
			}
		}
		return nil
	case contracts.OpLIKE, contracts.OpILIKE:
		if _, ok := value.(string); !ok {
			return invalid(resource, field.Name, "%s requires a string pattern for field %s", op, field.Name)
		}
		return nil
	default:
		return coerceValue(field, value, resource)
	}
}

// coerceValue rejects any literal that does not coerce to the field's
// declared type. Failing coercion is INVALID_QUERY, never a silent cast.
func coerceValue(field *contracts.Field, value any, resource string) *Error {
	if value == nil {
		if field.Nullable {
			return nil
		}
		return invalid(resource, field.Name, "field %s is not nullable", field.Name)
	}
	if len(field.Enum) > 0 {
		s, ok := value.(string)
		if !ok || !containsString(field.Enum, s) {
			return &Error{
				Type:     models.ErrInvalidQuery,
				Message:  fmt.Sprintf("invalid value for field %s: %v. Valid options are: %s", field.Name, value, strings.Join(field.Enum, ", ")),
				Field:    field.Name,
				Resource: resource,
				Details:  map[string]any{"valid_values": field.Enum},
			}
		}
		return nil
	}
	switch field.Type {
	case contracts.TypeUUID:
		s, ok := value.(string)
		if !ok {
			return typeMismatch(resource, field, value)
		}
		if _, err := uuid.Parse(s); err != nil {
			return typeMismatch(resource, field, value)
		}
	case contracts.TypeInteger:
		switch v := value.(type) {
		case float64:
			if v != math.Trunc(v) {
				return typeMismatch(resource, field, value)
			}
		case string:
			if _, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err != nil {
				return typeMismatch(resource, field, value)
			}
		default:
			return typeMismatch(resource, field, value)
		}
	case contracts.TypeNumber:
		switch v := value.(type) {
		case float64:
		case string:
			if _, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err != nil {
				return typeMismatch(resource, field, value)
			}
		default:
			return typeMismatch(resource, field, value)
		}
	case contracts.TypeBoolean:
		switch v := value.(type) {
		case bool:
		case string:
			lower := strings.ToLower(strings.TrimSpace(v))
			if lower != "true" && lower != "false" {
				return typeMismatch(resource, field, value)
			}
		default:
			return typeMismatch(resource, field, value)
		}
	case contracts.TypeDate, contracts.TypeTimestamp:
		s, ok := value.(string)
		if !ok {
			return typeMismatch(resource, field, value)
		}
		if _, err := ParseTemporal(s); err != nil {
			return typeMismatch(resource, field, value)
		}
	case contracts.TypeString, contracts.TypeText:
		if _, ok := value.(string); !ok {
			return typeMismatch(resource, field, value)
		}
	case contracts.TypeJSON:
		// Any JSON value is acceptable.
	default:
		return invalid(resource, field.Name, "field %s has unknown type %s", field.Name, field.Type)
	}
	return nil
}

var temporalLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTemporal accepts the ISO8601 shapes the planner is instructed to
// emit. Exported for the executor, which binds temporal literals as
// time.Time rather than text.
func ParseTemporal(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range temporalLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("value %q is not an ISO8601 date or timestamp", s)
}

func typeMismatch(resource string, field *contracts.Field, value any) *Error {
	return invalid(resource, field.Name, "invalid value for %s field %s: %v", field.Type, field.Name, value)
}

func containsString(set []string, s string) bool {
	for _, item := range set {
		if item == s {
			return true
		}
	}
	return false
}
