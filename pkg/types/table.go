package types

// AbsentDisplay is the placeholder rendered for an absent cell.
const AbsentDisplay = "-"

// Column is one value column of a compiled table.
type Column struct {
	Key   string `json:"key"`
	Label string `json:"label"`
}

// Cell is a computed value or an absent marker. An absent cell means the row
// does not report the column or its working subset had no data; it is
// distinct from a computed zero.
type Cell struct {
	Present bool    `json:"present"`
	Value   float64 `json:"value"`
	Display string  `json:"display"`
}

// AbsentCell returns the absent marker.
func AbsentCell() Cell {
	return Cell{Display: AbsentDisplay}
}

// RowResult is one compiled row.
type RowResult struct {
	Label           string          `json:"label"`
	IsGroupHeader   bool            `json:"is_group_header"`
	SpansAllColumns bool            `json:"spans_all_columns"`
	Cells           map[string]Cell `json:"cells,omitempty"`

	// Header carries the label of a spanning group header; such rows have no
	// per-column cells.
	Header string `json:"header,omitempty"`

	Rationale string `json:"rationale,omitempty"`

	// Matched is the size of the row's working subset.
	Matched int `json:"matched"`
}

// Cell returns the cell for column key, absent when the row has none.
func (r RowResult) Cell(key string) Cell {
	if c, ok := r.Cells[key]; ok {
		return c
	}
	return AbsentCell()
}

// TableModel is the compiled grid for one slide.
type TableModel struct {
	Columns []Column    `json:"columns"`
	Rows    []RowResult `json:"rows"`
}

// ColumnKeys returns the ordered column keys.
func (t *TableModel) ColumnKeys() []string {
	keys := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		keys[i] = c.Key
	}
	return keys
}

// SlideSpec is the declarative content of one slide.
type SlideSpec struct {
	Number int       `json:"slide_number" yaml:"slide_number"`
	Title  string    `json:"slide_title" yaml:"slide_title"`
	Rows   []RowSpec `json:"rows" yaml:"rows"`
}

// Clone returns a deep copy of the slide spec.
func (s SlideSpec) Clone() SlideSpec {
	c := s
	c.Rows = CloneRows(s.Rows)
	return c
}

// CloneSlides deep-copies a slide list.
func CloneSlides(slides []SlideSpec) []SlideSpec {
	if slides == nil {
		return nil
	}
	out := make([]SlideSpec, len(slides))
	for i, s := range slides {
		out[i] = s.Clone()
	}
	return out
}

// SlideTable is the compiled table of one slide.
type SlideTable struct {
	SlideNumber int         `json:"slide_number"`
	Title       string      `json:"slide_title"`
	Table       *TableModel `json:"table"`
}
