package contents

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatJSON(t *testing.T) {
	tests := []struct {
		format Format
		json   string
	}{
		{FormatNone, `null`},
		{FormatText, `"text"`},
		{FormatBase64, `"base64"`},
		{FormatJSON, `"json"`},
	}

	for _, test := range tests {
		raw, err := json.Marshal(test.format)
		assert.NoError(t, err)
		assert.Equal(t, test.json, string(raw))

		var parsed Format
		assert.NoError(t, json.Unmarshal(raw, &parsed))
		assert.Equal(t, test.format, parsed)
	}

	var f Format
	assert.Error(t, json.Unmarshal([]byte(`1`), &f))
}

func TestFormatValid(t *testing.T) {
	assert.True(t, FormatText.Valid())
	assert.True(t, FormatBase64.Valid())
	assert.True(t, FormatJSON.Valid())
	assert.False(t, FormatNone.Valid())
	assert.False(t, Format("binary").Valid())
}

func TestFormatTime(t *testing.T) {
	loc := time.FixedZone("EST", -5*60*60)
	ts := time.Date(2019, 8, 1, 7, 30, 5, 123456789, loc)
	assert.Equal(t, "2019-08-01T12:30:05.123Z", FormatTime(ts))
}

func TestEmptyDirectory(t *testing.T) {
	now := time.Date(2019, 8, 1, 12, 0, 0, 0, time.UTC)
	dir := EmptyDirectory(now)

	projection, err := dir.Projection()
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{
		"name":          "",
		"path":          "",
		"created":       "2019-08-01T12:00:00.000Z",
		"last_modified": "2019-08-01T12:00:00.000Z",
		"format":        nil,
		"mimetype":      "",
		"content":       nil,
		"writable":      true,
		"type":          "directory",
	}, projection)
}

func TestPlaceholder(t *testing.T) {
	projection, err := Placeholder().Projection()
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{
		"name":          "",
		"path":          "",
		"created":       "",
		"last_modified": "",
		"format":        nil,
		"mimetype":      "",
		"content":       "",
		"writable":      false,
		"type":          "file",
	}, projection)
}

func TestProjectionRoundTrip(t *testing.T) {
	size := int64(5)
	file := Model{
		Name:         "a.txt",
		Path:         "dir/a.txt",
		Created:      "2019-08-01T12:00:00.000Z",
		LastModified: "2019-08-01T12:00:00.000Z",
		Format:       FormatText,
		Mimetype:     "text/plain",
		Content:      "hello",
		Writable:     true,
		Type:         TypeFile,
		Size:         &size,
	}

	projection, err := file.Projection()
	require.NoError(t, err)
	assert.Equal(t, float64(5), projection["size"])

	parsed, err := FromProjection(projection)
	require.NoError(t, err)
	assert.Equal(t, file, parsed)
}
