package schema

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestColumn_UnmarshalPicksConfigByType(t *testing.T) {
	data := []byte(`{
		"id": "c1", "table_id": "t1", "name": "Email", "position": 2, "type": "waterfall",
		"config": {
			"sources": [
				{"id": "s1", "function": "hunter", "inputColumnId": "c0"},
				{"function": "apollo", "inputColumnId": "c0", "outputField": "email"}
			],
			"stopOnSuccess": false,
			"batchSize": 4
		}
	}`)

	var col Column
	require.NoError(t, json.Unmarshal(data, &col))
	assert.Equal(t, ColumnTypeWaterfall, col.Type)

	cfg, ok := col.Config.(*WaterfallConfig)
	require.True(t, ok, "config should decode as *WaterfallConfig, got %T", col.Config)
	require.Len(t, cfg.Sources, 2)
	assert.Equal(t, "s1", cfg.Sources[0].Label())
	assert.Equal(t, "apollo", cfg.Sources[1].Label(), "label falls back to the provider name")
	assert.False(t, cfg.StopsOnSuccess())
	assert.Equal(t, 4, ExecOptionsOf(cfg).BatchSize)
	assert.Equal(t, []string{"c0", "c0"}, col.InputColumnIDs())
}

func TestColumn_JSONRoundTrip(t *testing.T) {
	sep := " | "
	col := &Column{
		ID: "c9", TableID: "t1", Name: "Summary", Type: ColumnTypeMerge,
		Config: &MergeConfig{SourceColumns: []string{"a", "b"}, Separator: &sep, Output: "bullets"},
	}
	data, err := json.Marshal(col)
	require.NoError(t, err)

	var back Column
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, col, &back)
}

func TestDecodeColumnConfig(t *testing.T) {
	cfg, err := DecodeColumnConfig(ColumnTypeAI, nil)
	require.NoError(t, err)
	assert.Equal(t, &AIConfig{}, cfg)

	_, err = DecodeColumnConfig("pivot", nil)
	var ge *GridError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, ErrCodeValidation, ge.Code)

	_, err = DecodeColumnConfig(ColumnTypeHTTP, json.RawMessage(`{"url": 3}`))
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, ErrCodeValidation, ge.Code)
}

func TestColumnType_Executable(t *testing.T) {
	for _, ct := range []ColumnType{ColumnTypeField, ColumnTypeFormula, ColumnTypeMerge} {
		assert.False(t, ct.Executable(), ct)
	}
	for _, ct := range []ColumnType{ColumnTypeEnrichment, ColumnTypeAI, ColumnTypeWaterfall, ColumnTypeHTTP} {
		assert.True(t, ct.Executable(), ct)
	}
	assert.False(t, ColumnType("pivot").Valid())
}

func TestColumn_CheckConfig(t *testing.T) {
	col := &Column{Name: "Domain", Type: ColumnTypeField}
	require.NoError(t, col.CheckConfig())
	assert.IsType(t, &FieldConfig{}, col.Config, "nil config is filled with the zero config")

	col = &Column{Name: "Domain", Type: ColumnTypeField, Config: &FormulaConfig{}}
	assert.Error(t, col.CheckConfig())
}

func TestGridError_RetryableAndCellMessage(t *testing.T) {
	assert.True(t, NewError(ErrCodeRateLimited, "slow down").IsRetryable())
	assert.False(t, NewError(ErrCodeTimeout, "took too long").IsRetryable())

	err := fmt.Errorf("wrapped: %w", NewError(ErrCodeAdapter, "HTTP 500: boom"))
	assert.Equal(t, "HTTP 500: boom", CellMessage(err))
	assert.Equal(t, "", CellMessage(nil))
}
