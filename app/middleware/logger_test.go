package middleware

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestCompressBody tests JSON compaction and the log-size cap.
func TestCompressBody(t *testing.T) {
	assert.Equal(t, "", CompressBody(""))

	compact := CompressBody("{\n  \"uuid\": \"t1\",\n  \"state\": \"QUEUED\"\n}")
	assert.Equal(t, `{"uuid":"t1","state":"QUEUED"}`, compact)

	big := CompressBody(`{"args":"` + strings.Repeat("a", 5000) + `"}`)
	assert.Len(t, big, 1003)
	assert.True(t, strings.HasSuffix(big, "..."))
}

// TestQuietPaths tests that only the polled probe endpoints are muted.
func TestQuietPaths(t *testing.T) {
	assert.True(t, quietPaths["/health"])
	assert.True(t, quietPaths["/v1/events/process"])
	assert.False(t, quietPaths["/v1/tasks"])
}
