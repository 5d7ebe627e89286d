package xmysql

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseTag(t *testing.T) {
	tests := []struct {
		tag    string
		name   string
		inline bool
		kind   ColumnKind
		omit   bool
	}{
		{"", "", false, ColAuto, false},
		{"-", "", false, ColAuto, true},
		{"col", "col", false, ColAuto, false},
		{",inline", "", true, ColAuto, false},
		{"col,inline", "col", true, ColAuto, false},
		{"inline,col", "", true, ColAuto, false},
		{"col,int", "col", false, ColInt, false},
		{"col,json", "col", false, ColObject, false},
		{"col,inline,date", "col", true, ColDate, false},
		{"col,bogus", "col", false, ColAuto, false},
	}
	for _, tc := range tests {
		name, inline, kind, omit := parseTag(tc.tag)
		require.Equal(t, tc.name, name, "tag %q", tc.tag)
		require.Equal(t, tc.inline, inline, "tag %q", tc.tag)
		require.Equal(t, tc.kind, kind, "tag %q", tc.tag)
		require.Equal(t, tc.omit, omit, "tag %q", tc.tag)
	}
}

func TestParseColumnKind(t *testing.T) {
	for _, k := range []ColumnKind{ColAuto, ColInt, ColString, ColBool, ColDate, ColFloat, ColNull, ColObject} {
		got, err := ParseColumnKind(k.String())
		require.NoError(t, err)
		require.Equal(t, k, got)
	}
	got, err := ParseColumnKind("BOOL")
	require.NoError(t, err)
	require.Equal(t, ColBool, got)

	_, err = ParseColumnKind("uuid")
	require.Error(t, err)
	require.Equal(t, "kind(99)", ColumnKind(99).String())
}

func TestColumn_Defaults(t *testing.T) {
	type row struct {
		Count int
		Label string
		Raw   any
	}

	Column[row]("Count", As(ColInt))
	Column[row]("label", As(ColString), Default("none"), Output("Label"))
	Column[row]("Raw", Default("ignored"))

	cols := Columns[row]()
	require.Len(t, cols, 3)
	require.Equal(t, ColumnDef{Field: "Count", Output: "Count", Kind: ColInt, Default: 0}, cols[0])
	require.Equal(t, ColumnDef{Field: "label", Output: "Label", Kind: ColString, Default: "none"}, cols[1])
	require.Equal(t, ColumnDef{Field: "Raw", Output: "Raw", Kind: ColAuto}, cols[2], "auto columns carry no default")
}

func TestColumn_RedeclareReplacesInPlace(t *testing.T) {
	type row struct {
		A int
		B string
	}

	Column[row]("A")
	Column[row]("B")
	Column[row]("a", As(ColInt), Output("A"))

	cols := Columns[row]()
	require.Len(t, cols, 2)
	require.Equal(t, "a", cols[0].Field)
	require.Equal(t, ColInt, cols[0].Kind)
	require.Equal(t, "B", cols[1].Field)
}

func TestTable_KeepsExplicitColumnsRegardlessOfOrder(t *testing.T) {
	type before struct {
		ID   int64  `db:"id,int"`
		Name string `db:"name"`
	}
	Column[before]("id", As(ColString), Output("ID"))
	Table[before]()

	type after struct {
		ID   int64  `db:"id,int"`
		Name string `db:"name"`
	}
	Table[after]()
	Column[after]("id", As(ColString), Output("ID"))

	for _, cols := range [][]ColumnDef{Columns[before](), Columns[after]()} {
		require.Len(t, cols, 2)
		require.Equal(t, "id", cols[0].Field)
		require.Equal(t, ColString, cols[0].Kind)
		require.Equal(t, "name", cols[1].Field)
	}

	// A repeated Table call does not undo it either.
	Table[after]()
	require.Equal(t, ColString, Columns[after]()[0].Kind)
}

func TestColumns_ReturnsCopy(t *testing.T) {
	type row struct{ A int }
	Column[row]("A")

	cols := Columns[row]()
	cols[0].Field = "changed"
	require.Equal(t, "A", Columns[row]()[0].Field)
}
