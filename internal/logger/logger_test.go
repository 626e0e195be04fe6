package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureOutput redirects logger output to a buffer and restores it on cleanup.
func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	buf := new(bytes.Buffer)

	mu.Lock()
	original := output
	mu.Unlock()
	level := Level(currentLevel.Load())
	format, _ := currentFormat.Load().(string)

	InitWithWriter(buf, "", "")

	t.Cleanup(func() {
		currentLevel.Store(int32(level))
		currentFormat.Store(format)
		InitWithWriter(original, "", "")
	})
	return buf
}

func TestLevelFiltering(t *testing.T) {
	t.Run("InfoLevelFiltersDebug", func(t *testing.T) {
		buf := captureOutput(t)
		SetLevel("INFO")

		Debug("debug message")
		Info("info message")
		Warn("warn message")

		out := buf.String()
		assert.NotContains(t, out, "debug message")
		assert.Contains(t, out, "info message")
		assert.Contains(t, out, "warn message")
	})

	t.Run("ErrorLevelShowsOnlyErrors", func(t *testing.T) {
		buf := captureOutput(t)
		SetLevel("ERROR")

		Info("info message")
		Warn("warn message")
		Error("error message")

		out := buf.String()
		assert.NotContains(t, out, "info message")
		assert.NotContains(t, out, "warn message")
		assert.Contains(t, out, "error message")
	})

	t.Run("InvalidLevelIgnored", func(t *testing.T) {
		buf := captureOutput(t)
		SetLevel("DEBUG")
		SetLevel("LOUD")

		Debug("still debug")
		assert.Contains(t, buf.String(), "still debug")
	})
}

func TestParseLevel(t *testing.T) {
	l, ok := ParseLevel("warning")
	require.True(t, ok)
	assert.Equal(t, LevelWarn, l)

	_, ok = ParseLevel("nope")
	assert.False(t, ok)

	assert.Equal(t, "ERROR", LevelError.String())
	assert.Equal(t, "UNKNOWN", Level(42).String())
}

func TestJSONFormat(t *testing.T) {
	buf := captureOutput(t)
	SetLevel("INFO")
	SetFormat("json")

	Info("record appended", KeyFileID, uint64(7), KeyOffset, uint64(128))

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "record appended", line["msg"])
	assert.EqualValues(t, 7, line[KeyFileID])
	assert.EqualValues(t, 128, line[KeyOffset])
}

func TestContextLogging(t *testing.T) {
	t.Run("LogContextInjectsFields", func(t *testing.T) {
		buf := captureOutput(t)
		SetLevel("INFO")
		SetFormat("text")

		lc := &LogContext{Service: "files", Mode: "slave"}
		ctx := WithContext(context.Background(), lc.WithTrace("abc", "def"))
		InfoCtx(ctx, "follower applied batch", KeyCount, 3)

		out := buf.String()
		assert.Contains(t, out, "service=files")
		assert.Contains(t, out, "mode=slave")
		assert.Contains(t, out, "trace_id=abc")
		assert.Contains(t, out, "count=3")
	})

	t.Run("ContextWithoutLogContextHandled", func(t *testing.T) {
		buf := captureOutput(t)
		SetLevel("INFO")

		WarnCtx(context.Background(), "plain")
		assert.Contains(t, buf.String(), "plain")
	})
}

func TestErrAttr(t *testing.T) {
	assert.Equal(t, "", Err(nil).Key)
	assert.Equal(t, "boom", Err(errors.New("boom")).Value.String())
}

func TestConcurrentLogging(t *testing.T) {
	buf := captureOutput(t)
	SetLevel("INFO")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				Info("concurrent", "worker", n, "iteration", j)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 8*50, strings.Count(buf.String(), "msg=concurrent"))
}
