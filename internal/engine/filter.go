package engine

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/arkilian/tabledeck/internal/errors"
	"github.com/arkilian/tabledeck/pkg/types"
)

// predicate is a filter compiled against its field's declared type. The
// comparison value is converted once at validation time.
type predicate struct {
	field string
	op    types.Operator
	kind  types.FieldType
	num   float64
	str   string
	at    time.Time
}

func compileFilter(f types.Filter, fd types.FieldDescriptor, row string) (predicate, error) {
	p := predicate{field: f.Field, op: f.Operator, kind: fd.Type}
	mismatch := func(msg string) error {
		return errors.NewTypeMismatchError(errors.CodeFilterTypeMismatch, f.Field, row,
			fmt.Sprintf("row %q filter %s: %s", row, f, msg))
	}

	if f.Operator < types.OpEq || f.Operator > types.OpLe {
		return p, mismatch("unknown operator")
	}
	if f.Value == nil {
		return p, mismatch("missing comparison value")
	}

	switch fd.Type {
	case types.FieldNumeric:
		v, ok := toFloat(f.Value)
		if !ok {
			return p, mismatch(fmt.Sprintf("%v is not numeric", f.Value))
		}
		p.num = v
	case types.FieldCategorical:
		if f.Operator.Ordering() {
			return p, mismatch("ordering operators are not defined on categorical fields")
		}
		s, ok := toString(f.Value)
		if !ok {
			return p, mismatch(fmt.Sprintf("%v is not a category", f.Value))
		}
		p.str = s
	case types.FieldTemporal:
		t, ok := toTime(f.Value)
		if !ok {
			return p, mismatch(fmt.Sprintf("%v is not a date or time", f.Value))
		}
		p.at = t
	default:
		return p, mismatch(fmt.Sprintf("unsupported field type %q", fd.Type))
	}
	return p, nil
}

// match evaluates the predicate against rec. A missing value satisfies only
// the inequality operator.
func (p predicate) match(rec types.Record) bool {
	var cmp int
	switch p.kind {
	case types.FieldNumeric:
		v, ok := toFloat(rec[p.field])
		if !ok {
			return p.op == types.OpNe
		}
		cmp = compareFloat(v, p.num)
	case types.FieldCategorical:
		v, ok := toString(rec[p.field])
		if !ok {
			return p.op == types.OpNe
		}
		cmp = strings.Compare(v, p.str)
	case types.FieldTemporal:
		v, ok := toTime(rec[p.field])
		if !ok {
			return p.op == types.OpNe
		}
		cmp = v.Compare(p.at)
	default:
		return false
	}

	switch p.op {
	case types.OpEq:
		return cmp == 0
	case types.OpNe:
		return cmp != 0
	case types.OpGt:
		return cmp > 0
	case types.OpLt:
		return cmp < 0
	case types.OpGe:
		return cmp >= 0
	case types.OpLe:
		return cmp <= 0
	}
	return false
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// toFloat interprets v as a finite number. Strings are parsed; NaN and
// infinities count as non-numeric.
func toFloat(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int8:
		f = float64(n)
	case int16:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint:
		f = float64(n)
	case uint8:
		f = float64(n)
	case uint16:
		f = float64(n)
	case uint32:
		f = float64(n)
	case uint64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case decimal.Decimal:
		f = n.InexactFloat64()
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// toString renders a categorical value. Whole numbers print without a
// fractional part so a category loaded as 1 matches a filter value of 1.0.
func toString(v any) (string, bool) {
	switch s := v.(type) {
	case nil:
		return "", false
	case string:
		return s, true
	case bool:
		return strconv.FormatBool(s), true
	}
	if f, ok := toFloat(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64), true
	}
	return "", false
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		if t.IsZero() {
			return time.Time{}, false
		}
		return t, true
	case string:
		return types.ParseTime(t)
	case int:
		return time.Date(t, time.January, 1, 0, 0, 0, 0, time.UTC), true
	}
	return time.Time{}, false
}
