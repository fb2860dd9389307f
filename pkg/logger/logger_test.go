package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitLevels(t *testing.T) {
	tests := []struct {
		name     string
		level    string
		expected logrus.Level
	}{
		{"debug", "debug", logrus.DebugLevel},
		{"error", "error", logrus.ErrorLevel},
		{"invalid level falls back to info", "nonsense", logrus.InfoLevel},
		{"empty level falls back to info", "", logrus.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log := Init(tt.level, "development")
			assert.Equal(t, tt.expected, log.GetLevel())
		})
	}
}

func TestInitFormatterByEnvironment(t *testing.T) {
	log := Init("info", "production")
	_, ok := log.Formatter.(*logrus.JSONFormatter)
	assert.True(t, ok, "production logs JSON")

	log = Init("info", "development")
	_, ok = log.Formatter.(*logrus.TextFormatter)
	assert.True(t, ok, "development logs text")
}

func TestComponentFieldRendersInJSON(t *testing.T) {
	log := Init("info", "production")
	var buf bytes.Buffer
	log.SetOutput(&buf)

	log.WithField("component", "round_feed").Info("feed started")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "round_feed", entry["component"])
	assert.Equal(t, "feed started", entry["msg"])
	assert.Equal(t, "info", entry["level"])
	assert.Contains(t, entry, "time")
}
