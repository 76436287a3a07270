package env

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func withEnv(t *testing.T, values map[string]string) {
	t.Helper()
	prev := Env
	Env = values
	t.Cleanup(func() { Env = prev })
}

func TestGetEnv_PrefersLoadedFile(t *testing.T) {
	withEnv(t, map[string]string{"SK_TEST_KEY": "from-file"})
	t.Setenv("SK_TEST_KEY", "from-os")

	assert.Equal(t, "from-file", GetEnv("SK_TEST_KEY", "def"))
}

func TestGetEnv_FallsBackToOS(t *testing.T) {
	withEnv(t, map[string]string{})
	t.Setenv("SK_TEST_KEY", "from-os")

	assert.Equal(t, "from-os", GetEnv("SK_TEST_KEY", "def"))
	assert.Equal(t, "def", GetEnv("SK_TEST_MISSING", "def"))
}

func TestTypedGetters(t *testing.T) {
	withEnv(t, map[string]string{
		"SK_INT":      "42",
		"SK_BAD_INT":  "forty",
		"SK_BOOL":     "Yes",
		"SK_BOOL_OFF": "nope",
		"SK_DUR":      "90s",
		"SK_BAD_DUR":  "soon",
	})

	assert.Equal(t, 42, GetEnvInt("SK_INT", 1))
	assert.Equal(t, 1, GetEnvInt("SK_BAD_INT", 1))
	assert.Equal(t, 7, GetEnvInt("SK_UNSET", 7))

	assert.True(t, GetEnvBool("SK_BOOL", false))
	assert.False(t, GetEnvBool("SK_BOOL_OFF", true))
	assert.True(t, GetEnvBool("SK_UNSET", true))

	assert.Equal(t, 90*time.Second, GetEnvDuration("SK_DUR", time.Minute))
	assert.Equal(t, time.Minute, GetEnvDuration("SK_BAD_DUR", time.Minute))
}
