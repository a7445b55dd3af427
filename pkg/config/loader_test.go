package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

func TestLoadConfig_MergesEnvOverBase(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
db:
  host: localhost
  port: 5432
mq:
  url: amqp://base
`)
	writeFile(t, dir, "production.yaml", `
db:
  host: db.internal
`)

	m, err := LoadConfig("production", dir)
	require.NoError(t, err)

	var out struct {
		DB DBConfig `yaml:"db"`
		MQ MQConfig `yaml:"mq"`
	}
	require.NoError(t, Decode(m, &out))

	assert.Equal(t, "db.internal", out.DB.Host)
	assert.Equal(t, 5432, out.DB.Port)
	assert.Equal(t, "amqp://base", out.MQ.URL)
}

func TestLoadConfig_SubstitutesSecrets(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
db:
  password: ${DB_PASS}
redis:
  addr: "${REDIS_HOST}:6379"
`)
	writeFile(t, dir, "secrets.env", "# comment\nDB_PASS=\"s3cret\"\nREDIS_HOST=cache\n")

	m, err := LoadConfig("local", dir)
	require.NoError(t, err)

	var out struct {
		DB    DBConfig    `yaml:"db"`
		Redis RedisConfig `yaml:"redis"`
	}
	require.NoError(t, Decode(m, &out))

	assert.Equal(t, "s3cret", out.DB.Password)
	assert.Equal(t, "cache:6379", out.Redis.Addr)
}

func TestLoadConfig_MissingBase(t *testing.T) {
	_, err := LoadConfig("local", t.TempDir())
	require.Error(t, err)
}

func TestOverrideDBFromEnv(t *testing.T) {
	t.Setenv("DB_HOST", "envhost")
	t.Setenv("DB_PORT", "6543")
	t.Setenv("DB_NAME", "outreach")

	cfg := DBConfig{Host: "localhost", Port: 5432, Name: "x"}
	OverrideDBFromEnv(&cfg)

	assert.Equal(t, "envhost", cfg.Host)
	assert.Equal(t, 6543, cfg.Port)
	assert.Equal(t, "outreach", cfg.Name)
}

func TestMergeMaps_Nested(t *testing.T) {
	dst := map[string]interface{}{
		"a": map[string]interface{}{"x": 1, "y": 2},
		"b": "keep",
	}
	src := map[string]interface{}{
		"a": map[string]interface{}{"y": 3},
	}

	got := mergeMaps(dst, src)
	assert.Equal(t, map[string]interface{}{"x": 1, "y": 3}, got["a"])
	assert.Equal(t, "keep", got["b"])
}
