package executor

import (
	"fmt"
	"sort"
	"strings"

	"github.com/camrenhall/luceron-ai-backend-server/pkg/contracts"
	"github.com/camrenhall/luceron-ai-backend-server/pkg/dsl"
	"github.com/camrenhall/luceron-ai-backend-server/pkg/validator"
)

// argList accumulates bind arguments and hands out $n placeholders.
type argList struct {
	args []any
}

func (a *argList) add(v any) string {
	a.args = append(a.args, v)
	return fmt.Sprintf("$%d", len(a.args))
}

// quoteIdent double-quotes an identifier. Field and resource names have
// already been checked against the contract, so this guards against
// reserved words rather than injection.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func qualified(table, column string) string {
	return quoteIdent(table) + "." + quoteIdent(column)
}

func buildSelect(step *dsl.Step, contract *contracts.Contract) (string, []any, error) {
	var b strings.Builder
	cols := make([]string, 0, len(step.Select))
	for _, name := range step.Select {
		cols = append(cols, qualified(step.Resource, name))
	}
	b.WriteString("SELECT ")
	b.WriteString(strings.Join(cols, ", "))
	b.WriteString(" FROM ")
	b.WriteString(quoteIdent(step.Resource))

	for _, join := range step.Joins {
		b.WriteString(" INNER JOIN ")
		b.WriteString(quoteIdent(join.TargetResource))
		b.WriteString(" ON ")
		conds := make([]string, 0, len(join.On))
		for _, on := range join.On {
			conds = append(conds, fmt.Sprintf("%s = %s",
				qualified(step.Resource, on.LeftField),
				qualified(join.TargetResource, on.RightField)))
		}
		b.WriteString(strings.Join(conds, " AND "))
	}

	var bind argList
	if err := writeWhere(&b, &bind, step, contract); err != nil {
		return "", nil, err
	}

	if len(step.OrderBy) > 0 {
		terms := make([]string, 0, len(step.OrderBy))
		for _, o := range step.OrderBy {
			dir := "ASC"
			if strings.EqualFold(o.Dir, "desc") {
				dir = "DESC"
			}
			terms = append(terms, qualified(step.Resource, o.Field)+" "+dir)
		}
		b.WriteString(" ORDER BY ")
		b.WriteString(strings.Join(terms, ", "))
	}

	fmt.Fprintf(&b, " LIMIT %d", step.Limit)
	if step.Offset > 0 {
		fmt.Fprintf(&b, " OFFSET %d", step.Offset)
	}
	return b.String(), bind.args, nil
}

func buildUpdate(step *dsl.Step, contract *contracts.Contract) (string, []any, error) {
	var b strings.Builder
	var bind argList
	b.WriteString("UPDATE ")
	b.WriteString(quoteIdent(step.Resource))
	b.WriteString(" SET ")

	names := sortedKeys(step.Update)
	assignments := make([]string, 0, len(names)+1)
	for _, name := range names {
		bound, err := bindValue(contract, name, step.Update[name])
		if err != nil {
			return "", nil, err
		}
		assignments = append(assignments, quoteIdent(name)+" = "+bind.add(bound))
	}
	if contract.GetField("updated_at") != nil {
		assignments = append(assignments, quoteIdent("updated_at")+" = NOW()")
	}
	b.WriteString(strings.Join(assignments, ", "))

	if err := writeWhere(&b, &bind, step, contract); err != nil {
		return "", nil, err
	}
	b.WriteString(" RETURNING *")
	return b.String(), bind.args, nil
}

func buildInsert(step *dsl.Step, contract *contracts.Contract) (string, []any, error) {
	var b strings.Builder
	var bind argList
	names := sortedKeys(step.Values)
	cols := make([]string, 0, len(names))
	placeholders := make([]string, 0, len(names))
	for _, name := range names {
		bound, err := bindValue(contract, name, step.Values[name])
		if err != nil {
			return "", nil, err
		}
		cols = append(cols, quoteIdent(name))
		placeholders = append(placeholders, bind.add(bound))
	}
	b.WriteString("INSERT INTO ")
	b.WriteString(quoteIdent(step.Resource))
	b.WriteString(" (")
	b.WriteString(strings.Join(cols, ", "))
	b.WriteString(") VALUES (")
	b.WriteString(strings.Join(placeholders, ", "))
	b.WriteString(") RETURNING *")
	return b.String(), bind.args, nil
}

func writeWhere(b *strings.Builder, bind *argList, step *dsl.Step, contract *contracts.Contract) error {
	if len(step.Where) == 0 {
		return nil
	}
	conds := make([]string, 0, len(step.Where))
	for _, w := range step.Where {
		cond, err := buildPredicate(bind, step.Resource, contract, w)
		if err != nil {
			return err
		}
		conds = append(conds, cond)
	}
	b.WriteString(" WHERE ")
	b.WriteString(strings.Join(conds, " AND "))
	return nil
}

func buildPredicate(bind *argList, table string, contract *contracts.Contract, w dsl.Where) (string, error) {
	column := qualified(table, w.Field)
	op, ok := contracts.ParseOperator(w.Op)
	if !ok {
		return "", fmt.Errorf("unknown operator %q", w.Op)
	}
	switch op {
	case contracts.OpIN:
		items, ok := w.Value.([]any)
		if !ok || len(items) == 0 {
			return "", fmt.Errorf("IN on %s requires a non-empty list", w.Field)
		}
		placeholders := make([]string, 0, len(items))
		for _, item := range items {
			bound, err := bindValue(contract, w.Field, item)
			if err != nil {
				return "", err
			}
			placeholders = append(placeholders, bind.add(bound))
		}
		return fmt.Sprintf("%s IN (%s)", column, strings.Join(placeholders, ", ")), nil
	case contracts.OpBETWEEN:
		bounds, ok := w.Value.([]any)
		if !ok || len(bounds) != 2 {
			return "", fmt.Errorf("BETWEEN on %s requires exactly two bounds", w.Field)
		}
		low, err := bindValue(contract, w.Field, bounds[0])
		if err != nil {
			return "", err
		}
		high, err := bindValue(contract, w.Field, bounds[1])
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s BETWEEN %s AND %s", column, bind.add(low), bind.add(high)), nil
	default:
		bound, err := bindValue(contract, w.Field, w.Value)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s %s %s", column, op, bind.add(bound)), nil
	}
}

// bindValue converts a plan literal into the Go value pgx should bind for
// the field's declared type. Temporal strings become time.Time so Postgres
// receives a typed parameter instead of relying on implicit casts.
func bindValue(contract *contracts.Contract, fieldName string, value any) (any, error) {
	field := contract.GetField(fieldName)
	if field == nil || value == nil {
		return value, nil
	}
	switch field.Type {
	case contracts.TypeDate, contracts.TypeTimestamp:
		s, ok := value.(string)
		if !ok {
			return value, nil
		}
		t, err := validator.ParseTemporal(s)
		if err != nil {
			return nil, err
		}
		return t, nil
	case contracts.TypeInteger:
		if f, ok := value.(float64); ok {
			return int64(f), nil
		}
		return value, nil
	default:
		return value, nil
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
