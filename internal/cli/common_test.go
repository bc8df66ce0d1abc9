package cli

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrintVersion_Text(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, PrintVersion(&buf, "rsp-bridge", false))
	out := buf.String()
	assert.Contains(t, out, "rsp-bridge v"+Version)
	assert.Contains(t, out, "Platform: ")
	assert.NotContains(t, out, "Commit:")
}

func TestPrintVersion_JSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, PrintVersion(&buf, "rsp-bridge", true))
	var got struct {
		Tool string      `json:"tool"`
		Info VersionInfo `json:"version_info"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "rsp-bridge", got.Tool)
	assert.Equal(t, Version, got.Info.Version)
	assert.NotEmpty(t, got.Info.GoVersion)
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		level, format string
		wantErr       bool
		contains      string
	}{
		{level: "info", format: "text", contains: "msg=hello"},
		{level: "DEBUG", format: "json", contains: `"msg":"hello"`},
		{level: "warn", format: "", contains: ""},
		{level: "loud", format: "text", wantErr: true},
		{level: "info", format: "xml", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.level+"/"+tt.format, func(t *testing.T) {
			var buf bytes.Buffer
			logger, err := NewLogger(&buf, tt.level, tt.format)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			logger.Info("hello")
			if tt.contains == "" {
				assert.Empty(t, buf.String())
				return
			}
			assert.Contains(t, buf.String(), tt.contains)
		})
	}
}

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel(" error ")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelError, l)
}
