package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatSize(t *testing.T) {
	tests := []struct {
		name  string
		bytes int64
		want  string
	}{
		{"zero", 0, "0 B"},
		{"bytes", 512, "512 B"},
		{"kilobytes", 1536, "1.5 KB"},
		{"megabytes", 5242880, "5.0 MB"},
		{"large payload stays in MB", 1610612736, "1536.0 MB"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatSize(tt.bytes))
		})
	}
}

func TestFormatTime(t *testing.T) {
	now := time.Now()
	sameYear := time.Date(now.Year(), time.March, 15, 10, 30, 0, 0, time.Local)
	diffYear := time.Date(2020, time.December, 25, 8, 0, 0, 0, time.Local)

	t.Run("zero", func(t *testing.T) {
		assert.Equal(t, "-", formatTime(time.Time{}))
	})

	t.Run("same year", func(t *testing.T) {
		result := formatTime(sameYear)
		assert.Contains(t, result, "Mar")
		assert.Contains(t, result, "15")
		assert.Contains(t, result, "10:30")
	})

	t.Run("different year", func(t *testing.T) {
		result := formatTime(diffYear)
		assert.Contains(t, result, "Dec")
		assert.Contains(t, result, "25")
		assert.Contains(t, result, "2020")
	})
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "-", formatValue(nil))
	assert.Equal(t, "Villa Sol", formatValue("Villa Sol"))
	assert.Equal(t, "pool, wifi", formatValue([]string{"pool", "wifi"}))
	assert.Equal(t, "4", formatValue(4))
	assert.Equal(t, "true", formatValue(true))
	assert.Equal(t, `{"lat":1.5}`, formatValue(map[string]float64{"lat": 1.5}))
}

func TestPrintTable(t *testing.T) {
	var buf bytes.Buffer

	headers := []string{"KEY", "PRIORITY", "LAST ERROR"}
	rows := [][]string{
		{"villa-1/1", "0", "-"},
		{"villa-1/12", "2", "server error"},
	}

	printTable(&buf, headers, rows)

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "KEY         PRIORITY"))
	assert.Contains(t, lines[2], "server error")
	// Trailing padding is trimmed.
	assert.False(t, strings.HasSuffix(lines[1], " "))
}

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer

	require.NoError(t, printJSON(&buf, map[string]int{"pending": 2}))
	assert.Equal(t, "{\n  \"pending\": 2\n}\n", buf.String())
}
