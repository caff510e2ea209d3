package cli

import (
	"encoding/json"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/harun/threadagent/pkg/checkpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestChatAndHistory(t *testing.T) {
	srv, calls := fakeOpenAI(t)
	path := writeTestConfig(t, srv.URL+"/v1/")

	out, err := execute(t, "--config", path, "chat", "hi", "there")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	require.True(t, strings.HasPrefix(lines[0], "thread: "))
	threadID := strings.TrimPrefix(lines[0], "thread: ")
	assert.NoError(t, checkpoint.ValidateThreadID(threadID))
	assert.Equal(t, "FINAL ANSWER: hello 1", lines[1])

	out, err = execute(t, "--config", path, "chat", "--thread", threadID, "again")
	require.NoError(t, err)
	assert.Equal(t, "FINAL ANSWER: hello 2\n", out)
	assert.Equal(t, int32(2), atomic.LoadInt32(calls))

	t.Run("text history", func(t *testing.T) {
		out, err := execute(t, "--config", path, "history", threadID)
		require.NoError(t, err)
		assert.Equal(t, "user: hi there\nassistant: FINAL ANSWER: hello 1\nuser: again\nassistant: FINAL ANSWER: hello 2\n", out)
	})

	t.Run("json history", func(t *testing.T) {
		out, err := execute(t, "--config", path, "history", threadID, "--format", "json")
		require.NoError(t, err)

		var doc struct {
			ThreadID string `json:"threadId"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.Unmarshal([]byte(out), &doc))
		assert.Equal(t, threadID, doc.ThreadID)
		require.Len(t, doc.Messages, 4)
		assert.Equal(t, "again", doc.Messages[2].Content)
	})

	t.Run("yaml history", func(t *testing.T) {
		out, err := execute(t, "--config", path, "history", threadID, "-f", "yaml")
		require.NoError(t, err)

		var doc struct {
			ThreadID string `yaml:"thread_id"`
			Messages []struct {
				Role    string `yaml:"role"`
				Content string `yaml:"content"`
			} `yaml:"messages"`
		}
		require.NoError(t, yaml.Unmarshal([]byte(out), &doc))
		assert.Equal(t, threadID, doc.ThreadID)
		require.Len(t, doc.Messages, 4)
		assert.Equal(t, "assistant", doc.Messages[3].Role)
	})

	t.Run("threads", func(t *testing.T) {
		out, err := execute(t, "--config", path, "threads")
		require.NoError(t, err)
		assert.Contains(t, out, "THREAD")
		assert.Contains(t, out, threadID)

		out, err = execute(t, "--config", path, "threads", "--format", "json")
		require.NoError(t, err)
		var doc struct {
			Threads []checkpoint.ThreadInfo `json:"threads"`
		}
		require.NoError(t, json.Unmarshal([]byte(out), &doc))
		require.Len(t, doc.Threads, 1)
		assert.Equal(t, 4, doc.Threads[0].Messages)
	})

	t.Run("unknown thread", func(t *testing.T) {
		_, err := execute(t, "--config", path, "history", "missing")
		assert.ErrorContains(t, err, "not found")
	})

	t.Run("unknown format", func(t *testing.T) {
		_, err := execute(t, "--config", path, "history", threadID, "--format", "xml")
		assert.ErrorContains(t, err, "unknown format")
	})
}

func TestChat_ModelErrorStillSavesThread(t *testing.T) {
	path := writeTestConfig(t, "http://127.0.0.1:1/v1/")

	out, err := execute(t, "--config", path, "chat", "hello")
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(out, "thread: "))
}
