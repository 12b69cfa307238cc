package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeInjectsTypeDiscriminator(t *testing.T) {
	data, err := Encode(&Prompt{SessionID: "abc", Text: "hello"})
	require.NoError(t, err)

	var obj map[string]any
	require.NoError(t, json.Unmarshal(data, &obj))
	assert.Equal(t, "prompt", obj["type"])
	assert.Equal(t, "hello", obj["text"])
	assert.Equal(t, "abc", obj["session_id"])
}

func TestDecodeRoundTrip(t *testing.T) {
	data, err := Encode(&Subscribe{SessionID: "s1", LastDeliveryID: "01ARZ"})
	require.NoError(t, err)

	msg, err := Decode(data)
	require.NoError(t, err)

	sub, ok := msg.(*Subscribe)
	require.True(t, ok, "expected *Subscribe, got %T", msg)
	assert.Equal(t, "s1", sub.SessionID)
	assert.Equal(t, "01ARZ", sub.LastDeliveryID)
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"frobnicate"}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode([]byte(`{"type":`))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnknownType)
}

func TestDecodeMissingType(t *testing.T) {
	_, err := Decode([]byte(`{"text":"hi"}`))
	assert.Error(t, err)
}

func TestDecodeWireFixture(t *testing.T) {
	// Field names are the snake_case wire form.
	raw := []byte(`{"type":"response","session_id":"0f2e","delivery_id":"01H","text":"ok","usage":{"input_tokens":3,"output_tokens":7},"timestamp":"2025-06-01T12:00:00.000Z"}`)
	msg, err := Decode(raw)
	require.NoError(t, err)

	resp, ok := msg.(*Response)
	require.True(t, ok)
	assert.Equal(t, "0f2e", resp.SessionID)
	assert.Equal(t, "01H", resp.DeliveryID)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 7, resp.Usage.OutputTokens)

	ts, err := ParseTimestamp(resp.Timestamp)
	require.NoError(t, err)
	assert.Equal(t, 2025, ts.Year())
}

func TestTimestampFormatMillisecondPrecision(t *testing.T) {
	at := time.Date(2025, 3, 4, 5, 6, 7, 891234567, time.UTC)
	s := FormatTimestamp(at)
	assert.Equal(t, "2025-03-04T05:06:07.891Z", s)

	parsed, err := ParseTimestamp(s)
	require.NoError(t, err)
	assert.Equal(t, 891*int(time.Millisecond), parsed.Nanosecond())
}

func TestNormalizeSessionID(t *testing.T) {
	assert.Equal(t, "0f2e67aa", NormalizeSessionID("  0F2E67AA "))
}
