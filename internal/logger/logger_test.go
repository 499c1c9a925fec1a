package logger

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"quote-backfill-service/internal/config"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	log, hook, err := New(config.LoggingConfig{Level: "debug", Format: "json", Output: "stderr", BufferSize: 10})
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, log.Formatter)
	assert.NotNil(t, hook)

	_, _, err = New(config.LoggingConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestMemoryHook_RingBuffer(t *testing.T) {
	hook := NewMemoryHook(3)
	log := logrus.New()
	log.SetOutput(io.Discard)
	log.AddHook(hook)

	for i := 0; i < 5; i++ {
		log.Infof("message %d", i)
	}

	entries := hook.Recent("", 0)
	require.Len(t, entries, 3)
	assert.Equal(t, "message 2", entries[0].Message)
	assert.Equal(t, "message 4", entries[2].Message)
}

func TestMemoryHook_FilterAndLimit(t *testing.T) {
	hook := NewMemoryHook(0)
	log := logrus.New()
	log.SetOutput(io.Discard)
	log.AddHook(hook)

	log.Info("one")
	log.WithError(errors.New("boom")).Warn("two")
	log.Info("three")
	for i := 0; i < 4; i++ {
		log.Info(fmt.Sprintf("more %d", i))
	}

	warnings := hook.Recent("warning", 0)
	require.Len(t, warnings, 1)
	assert.Equal(t, "two", warnings[0].Message)
	assert.Equal(t, "boom", warnings[0].Fields["error"])

	last := hook.Recent("", 2)
	require.Len(t, last, 2)
	assert.Equal(t, "more 3", last[1].Message)
}
