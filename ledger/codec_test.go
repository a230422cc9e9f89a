package ledger

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeUnwrapsFeedBackOnSingleRecord(t *testing.T) {
	payload := `{"OrderID":"o-1","NetTotal":12.5,"FeedBack":"{\"rating\":5,\"comment\":\"on time\"}"}`

	v, err := NewCodec().Decode([]byte(payload))
	require.NoError(t, err)

	record := v.(map[string]any)
	feedback, ok := record["FeedBack"].(map[string]any)
	require.True(t, ok, "expected FeedBack to be decoded, got %T", record["FeedBack"])
	require.Equal(t, "on time", feedback["comment"])
	require.Equal(t, json.Number("5"), feedback["rating"])
	require.Equal(t, json.Number("12.5"), record["NetTotal"])
}

func TestDecodeUnwrapsNestedRecordInList(t *testing.T) {
	payload := `[
		{"Key":"r-1","Record":{"RouteID":"r-1","DataPoints":"[{\"lat\":1.5,\"long\":2.5}]"}},
		{"Key":"r-2","Record":{"RouteID":"r-2"}}
	]`

	v, err := NewCodec().Decode([]byte(payload))
	require.NoError(t, err)

	items := v.([]any)
	require.Len(t, items, 2)
	first := items[0].(map[string]any)["Record"].(map[string]any)
	points, ok := first["DataPoints"].([]any)
	require.True(t, ok)
	require.Len(t, points, 1)
	second := items[1].(map[string]any)["Record"].(map[string]any)
	_, present := second["DataPoints"]
	require.False(t, present, "absent fields must stay absent")
}

func TestDecodeLeavesUndecodableFieldsUntouched(t *testing.T) {
	payload := `{"FeedBack":"great service","DataPoints":"","Record":"42","Other":"{\"x\":1}"}`

	v, err := NewCodec().Decode([]byte(payload))
	require.NoError(t, err)

	record := v.(map[string]any)
	require.Equal(t, "great service", record["FeedBack"])
	require.Equal(t, "", record["DataPoints"])
	require.Equal(t, "42", record["Record"])
	require.Equal(t, `{"x":1}`, record["Other"], "only the configured fields are unwrapped")
}

func TestDecodeIsIdempotent(t *testing.T) {
	codec := NewCodec()
	inputs := []string{
		`{"OrderID":"o-1","FeedBack":"{\"rating\":4}"}`,
		`[{"Record":"{\"OrderID\":\"o-1\",\"FeedBack\":\"{\\\"rating\\\":3}\"}"}]`,
		`{"RouteID":"r","DataPoints":"[[1,2],[3,4]]"}`,
		`{"FeedBack":"not json"}`,
	}
	for _, input := range inputs {
		once, err := codec.Decode([]byte(input))
		require.NoError(t, err)
		first, err := json.Marshal(once)
		require.NoError(t, err)

		twice := codec.Normalize(once)
		second, err := json.Marshal(twice)
		require.NoError(t, err)
		require.JSONEq(t, string(first), string(second), "input %s", input)

		again, err := codec.Decode(first)
		require.NoError(t, err)
		third, err := json.Marshal(again)
		require.NoError(t, err)
		require.JSONEq(t, string(first), string(third), "input %s", input)
	}
}

func TestDecodeRejectsMalformedTopLevelPayload(t *testing.T) {
	_, err := NewCodec().Decode([]byte(`{"OrderID":`))
	require.Error(t, err)

	_, err = NewCodec().Decode([]byte(`{} {}`))
	require.Error(t, err)
}

func TestDecodeEmptyAndNullPayloads(t *testing.T) {
	v, err := NewCodec().Decode(nil)
	require.NoError(t, err)
	require.Nil(t, v)

	v, err = NewCodec().Decode([]byte(" null "))
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestDecodeHistoryPreservesOrderAndUnwrapsRecords(t *testing.T) {
	payload := `[
		{"Record":"{\"OrderID\":\"o-1\",\"StatusTitle\":\"placed\"}"},
		{"Record":"{\"OrderID\":\"o-1\",\"StatusTitle\":\"shipped\",\"FeedBack\":\"\"}"},
		{"Record":"{\"OrderID\":\"o-1\",\"StatusTitle\":\"delivered\",\"FeedBack\":\"{\\\"rating\\\":5}\"}","TxId":"tx-3","IsDelete":false}
	]`

	entries, err := NewCodec().DecodeHistory([]byte(payload))
	require.NoError(t, err)
	require.Len(t, entries, 3)

	statuses := make([]string, 0, len(entries))
	for _, entry := range entries {
		statuses = append(statuses, entry.Record.(map[string]any)["StatusTitle"].(string))
	}
	require.Equal(t, []string{"placed", "shipped", "delivered"}, statuses)
	require.Equal(t, "tx-3", entries[2].TxID)

	last := entries[2].Record.(map[string]any)
	require.Equal(t, json.Number("5"), last["FeedBack"].(map[string]any)["rating"])
	require.Equal(t, "", entries[1].Record.(map[string]any)["FeedBack"])

	latest, ok := Latest(entries)
	require.True(t, ok)
	require.Equal(t, "delivered", latest.Record.(map[string]any)["StatusTitle"])
}

func TestDecodeHistoryEncodesWithoutAbsentMetadata(t *testing.T) {
	entries, err := NewCodec().DecodeHistory([]byte(`[{"Record":"{\"ProductID\":\"p\"}"}]`))
	require.NoError(t, err)

	encoded, err := json.Marshal(entries)
	require.NoError(t, err)
	require.JSONEq(t, `[{"Record":{"ProductID":"p"}}]`, string(encoded))
}

func TestDecodeHistoryRejectsNonArray(t *testing.T) {
	_, err := NewCodec().DecodeHistory([]byte(`{"Record":"{}"}`))
	require.Error(t, err)
}

func TestLatestOnEmptyHistory(t *testing.T) {
	_, ok := Latest(nil)
	require.False(t, ok)
}

func TestNewCodecWithCustomFields(t *testing.T) {
	v, err := NewCodec("Meta").Decode([]byte(`{"Meta":"{\"a\":1}","FeedBack":"{\"b\":2}"}`))
	require.NoError(t, err)
	record := v.(map[string]any)
	require.IsType(t, map[string]any{}, record["Meta"])
	require.Equal(t, `{"b":2}`, record["FeedBack"])
}
