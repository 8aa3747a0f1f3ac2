package export

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/rendis/gridflow/pkg/schema"
)

type fakeBuilder struct {
	tables  []*schema.Table
	columns []*schema.Column
	rows    []map[string]string
}

func (b *fakeBuilder) CreateTable(_ context.Context, name string) (*schema.Table, error) {
	t := &schema.Table{ID: fmt.Sprintf("t%d", len(b.tables)+1), Name: name}
	b.tables = append(b.tables, t)
	return t, nil
}

func (b *fakeBuilder) AddColumn(_ context.Context, tableID string, col *schema.Column) (*schema.Column, error) {
	col.ID = fmt.Sprintf("c%d", len(b.columns)+1)
	col.TableID = tableID
	b.columns = append(b.columns, col)
	return col, nil
}

func (b *fakeBuilder) AddRows(_ context.Context, tableID string, data []map[string]string) ([]*schema.Row, error) {
	b.rows = append(b.rows, data...)
	out := make([]*schema.Row, len(data))
	for i, d := range data {
		out[i] = &schema.Row{ID: fmt.Sprintf("r%d", i+1), TableID: tableID, SourceData: d}
	}
	return out, nil
}

func workbook(t *testing.T, sheet string, lines [][]any) *bytes.Buffer {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	require.NoError(t, f.SetSheetName(f.GetSheetName(0), sheet))
	for i, line := range lines {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow(sheet, cell, &line))
	}
	var buf bytes.Buffer
	require.NoError(t, f.Write(&buf))
	return &buf
}

func TestImport(t *testing.T) {
	buf := workbook(t, "Leads", [][]any{
		{"Domain", "", " Owner ", "domain"},
		{"acme.com", "", "ann", ""},
		{"", "", "", ""},
		{"globex.com", "extra", "", "x"},
	})

	b := &fakeBuilder{}
	res, err := Import(context.Background(), b, buf, "")
	require.NoError(t, err)

	assert.Equal(t, "Leads", res.Table.Name)
	require.Len(t, res.Columns, 4)
	names := make([]string, len(res.Columns))
	for i, c := range res.Columns {
		names[i] = c.Name
		assert.Equal(t, schema.ColumnTypeField, c.Type)
	}
	assert.Equal(t, []string{"Domain", "Column B", "Owner", "domain 2"}, names)
	assert.Equal(t, "Owner", res.Columns[2].Config.(*schema.FieldConfig).SourceField)

	assert.Equal(t, 2, res.Rows, "blank lines are skipped")
	assert.Equal(t, []map[string]string{
		{"Domain": "acme.com", "Owner": "ann"},
		{"Domain": "globex.com", "Column B": "extra", "domain 2": "x"},
	}, b.rows)
}

func TestImport_Errors(t *testing.T) {
	ctx := context.Background()

	_, err := Import(ctx, &fakeBuilder{}, bytes.NewBufferString("not a zip"), "")
	var ge *schema.GridError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, schema.ErrCodeValidation, ge.Code)

	_, err = Import(ctx, &fakeBuilder{}, workbook(t, "Leads", [][]any{{"A"}}), "Missing")
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, schema.ErrCodeNotFound, ge.Code)

	b := &fakeBuilder{}
	_, err = Import(ctx, b, workbook(t, "Empty", nil), "")
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, schema.ErrCodeValidation, ge.Code)
	assert.Empty(t, b.tables)
}

func TestImport_RoundTrip(t *testing.T) {
	src, tables := seed(t)
	var buf bytes.Buffer
	require.NoError(t, Write(context.Background(), &buf, src, tables[:1], Options{}))

	b := &fakeBuilder{}
	res, err := Import(context.Background(), b, &buf, "")
	require.NoError(t, err)
	assert.Equal(t, "Q1_Q2 accounts", res.Table.Name)
	assert.Equal(t, 2, res.Rows)
	assert.Equal(t, "$1,234.50", b.rows[0]["Revenue"])
}
