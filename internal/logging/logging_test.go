package logging_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"safeline/internal/logging"
)

func TestJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Config{Level: "debug", Format: "json", Output: &buf})
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())

	logging.ForOperation(logger, "op-1", "checkout").WithField("state", "locked").Debug("transition")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "op-1", line["operation_id"])
	assert.Equal(t, "checkout", line["service"])
	assert.Equal(t, "locked", line["state"])
	assert.Equal(t, "transition", line["msg"])
}

func TestLoggerConfigErrors(t *testing.T) {
	_, err := logging.New(logging.Config{Level: "chatty"})
	assert.Error(t, err)
	_, err = logging.New(logging.Config{Format: "xml"})
	assert.Error(t, err)

	logger, err := logging.New(logging.Config{})
	require.NoError(t, err)
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
}
