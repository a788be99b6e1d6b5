package engine

import (
	"math"
	"strconv"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"

	"github.com/arkilian/tabledeck/pkg/types"
)

// formatter renders computed values with grouped thousands.
type formatter struct {
	p *message.Printer
}

func newFormatter() *formatter {
	return &formatter{p: message.NewPrinter(language.English)}
}

// format renders v under policy:
//
//	currency  $1,235     (negative -$1,235)
//	count     1,235
//	percent   12.50%     (fractions up to 1 are scaled by 100)
//	decimal   1,234.57
//	plain     1234.567
func (f *formatter) format(v float64, policy types.FormatPolicy) string {
	if v == 0 {
		v = 0 // normalise negative zero
	}
	switch policy {
	case types.FormatCurrency:
		r := math.Round(v)
		if r < 0 {
			return "-$" + f.grouped(-r, 0)
		}
		return "$" + f.grouped(r, 0)
	case types.FormatCount:
		return f.grouped(math.Round(v), 0)
	case types.FormatPercent:
		if math.Abs(v) <= 1 {
			v *= 100
		}
		return f.grouped(v, 2) + "%"
	case types.FormatDecimal:
		return f.grouped(v, 2)
	default:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
}

func (f *formatter) grouped(v float64, scale int) string {
	if v == 0 {
		v = 0
	}
	return f.p.Sprintf("%v", number.Decimal(v, number.Scale(scale)))
}
