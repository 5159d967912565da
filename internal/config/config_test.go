package config

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, fs afero.Fs, path, content string) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fs, path, []byte(content), 0644))
}

func TestLoadDefaults(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/etc/skynet.conf", "# empty config\n")

	c, err := Load(fs, "/etc/skynet.conf")
	require.NoError(t, err)
	assert.Equal(t, defaultThread, c.Thread)
	assert.EqualValues(t, defaultHarbor, c.Harbor)
	assert.False(t, c.Profile)
}

func TestLoadRecognizedKeys(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/etc/skynet.conf", "thread = 16\nharbor=3\nprofile = true\n")

	c, err := Load(fs, "/etc/skynet.conf")
	require.NoError(t, err)
	assert.Equal(t, 16, c.Thread)
	assert.EqualValues(t, 3, c.Harbor)
	assert.True(t, c.Profile)
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("SKYNET_LOGPATH", "/var/log/skynet")
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/etc/skynet.conf", "logpath = ${SKYNET_LOGPATH}/out.log\n")

	c, err := Load(fs, "/etc/skynet.conf")
	require.NoError(t, err)
	assert.Equal(t, "/var/log/skynet/out.log", c.Raw["logpath"])
}

func TestLoadRejectsMalformedLine(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/etc/skynet.conf", "not-a-kv-line\n")

	_, err := Load(fs, "/etc/skynet.conf")
	assert.Error(t, err)
}

func TestLoadRejectsOutOfRangeHarbor(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/etc/skynet.conf", "harbor = 999\n")

	_, err := Load(fs, "/etc/skynet.conf")
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	_, err := Load(fs, "/nope.conf")
	assert.Error(t, err)
}
