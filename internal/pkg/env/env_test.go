package env

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetEnv_PrefersLoadedMap(t *testing.T) {
	t.Setenv("INBOXGATE_TEST_KEY", "from-os")
	Env = map[string]string{"INBOXGATE_TEST_KEY": "from-file"}
	defer func() { Env = nil }()

	assert.Equal(t, "from-file", GetEnv("INBOXGATE_TEST_KEY", "def"))
}

func TestGetEnv_FallsBackToOSAndDefault(t *testing.T) {
	Env = nil
	t.Setenv("INBOXGATE_TEST_KEY", "from-os")
	assert.Equal(t, "from-os", GetEnv("INBOXGATE_TEST_KEY", "def"))
	assert.Equal(t, "def", GetEnv("INBOXGATE_TEST_MISSING", "def"))
}

func TestGetDuration(t *testing.T) {
	Env = map[string]string{
		"D_GO":      "90m",
		"D_SECONDS": "45",
		"D_BAD":     "soon",
	}
	defer func() { Env = nil }()

	assert.Equal(t, 90*time.Minute, GetDuration("D_GO", time.Hour))
	assert.Equal(t, 45*time.Second, GetDuration("D_SECONDS", time.Hour))
	assert.Equal(t, time.Hour, GetDuration("D_BAD", time.Hour))
	assert.Equal(t, time.Hour, GetDuration("D_MISSING", time.Hour))
}

func TestGetIntAndBool(t *testing.T) {
	Env = map[string]string{"N": "12", "N_BAD": "x", "B": "true"}
	defer func() { Env = nil }()

	assert.Equal(t, 12, GetInt("N", 3))
	assert.Equal(t, 3, GetInt("N_BAD", 3))
	assert.True(t, GetBool("B", false))
	assert.False(t, GetBool("B_MISSING", false))
}
