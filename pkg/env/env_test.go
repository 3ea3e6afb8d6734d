package env

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("TUSBYTE_TEST_ENDPOINT", "http://127.0.0.1:8090/files")

	assert.Equal(t, "http://127.0.0.1:8090/files", GetEnv("TUSBYTE_TEST_ENDPOINT", "x"))
	assert.Equal(t, "fallback", GetEnv("TUSBYTE_TEST_MISSING", "fallback"))
}
