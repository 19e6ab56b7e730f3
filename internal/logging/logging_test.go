package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	l, err := New("debug", "json", &buf)
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, l.GetLevel())

	l.WithFields(logrus.Fields{"vu": 3, "iter": 7}).Debug("Iteration failed")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "Iteration failed", entry["msg"])
	assert.EqualValues(t, 3, entry["vu"])
	assert.EqualValues(t, 7, entry["iter"])
}

func TestNew_TextFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	l, err := New("warn", "", &buf)
	require.NoError(t, err)
	l.Info("hidden")
	l.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestNew_Errors(t *testing.T) {
	_, err := New("loud", "text", &bytes.Buffer{})
	assert.ErrorContains(t, err, "log level")
	_, err = New("info", "xml", &bytes.Buffer{})
	assert.ErrorContains(t, err, `unknown log format "xml"`)
}
