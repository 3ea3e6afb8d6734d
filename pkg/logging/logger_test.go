package logging

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSONOutputCarriesFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{Level: "debug", JSON: true, Output: &buf})

	l.WithFields(logrus.Fields{"upload_id": "abc"}).Debug("chunk stored")

	out := buf.String()
	assert.Contains(t, out, `"upload_id":"abc"`)
	assert.Contains(t, out, `"msg":"chunk stored"`)
}

func TestNew_UnknownLevelFallsBackToInfo(t *testing.T) {
	l := New(Options{Level: "loud", Output: &bytes.Buffer{}})
	assert.Equal(t, logrus.InfoLevel, l.GetLevel())
}

func TestInitLogger(t *testing.T) {
	InitLogger(true)
	require.NotNil(t, Log)
	assert.Equal(t, logrus.DebugLevel, Log.GetLevel())

	InitLogger(false)
	assert.Equal(t, logrus.InfoLevel, Log.GetLevel())
	_, isJSON := Log.Formatter.(*logrus.JSONFormatter)
	assert.True(t, isJSON)
}
