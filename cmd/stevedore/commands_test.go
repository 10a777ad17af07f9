package main

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogListenerExit(t *testing.T) {
	var buffer bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buffer, nil))

	done := make(chan error, 1)
	done <- errors.New("accept tcp [::]:8081: use of closed network connection")
	logListenerExit(logger, done)
	assert.Contains(t, buffer.String(), `msg="Status listener failed"`)
	assert.Contains(t, buffer.String(), "use of closed network connection")

	buffer.Reset()
	done <- nil
	logListenerExit(logger, done)
	assert.Empty(t, buffer.String())
}
