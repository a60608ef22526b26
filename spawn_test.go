package replbond

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machinefabric/replbond-go/prelude"
)

func TestSpawnUnknownLanguage(t *testing.T) {
	_, err := Spawn("cobol")
	var spawnErr *SpawnError
	require.ErrorAs(t, err, &spawnErr)
	assert.Contains(t, err.Error(), "cobol")
}

func TestBuildArgvDefaults(t *testing.T) {
	desc, err := prelude.Lookup("python3")
	require.NoError(t, err)

	cfg := newConfig(DefaultSpawnTimeout)
	assert.Equal(t, []string{"python3", "-i", "-u"}, buildArgv(desc, cfg))
}

func TestBuildArgvCommandOverride(t *testing.T) {
	desc, err := prelude.Lookup("python")
	require.NoError(t, err)

	cfg := newConfig(DefaultSpawnTimeout)
	WithCommand("ssh remote-host python")(cfg)
	WithArgs("-B")(cfg)
	assert.Equal(t, []string{"ssh", "remote-host", "python", "-B"}, buildArgv(desc, cfg))
}

func TestOptionDefaults(t *testing.T) {
	cfg := newConfig(DefaultSpawnTimeout)
	assert.True(t, cfg.trans)
	assert.Equal(t, "json", cfg.serializer)
	assert.Equal(t, DefaultSpawnTimeout, cfg.timeout)
	assert.False(t, cfg.usePty)
	assert.NotNil(t, cfg.logger)

	WithTimeout(time.Second)(cfg)
	WithTransparentExceptions(false)(cfg)
	WithSerializer("cbor")(cfg)
	WithPTY(true)(cfg)
	WithEnv("A=1", "B=2")(cfg)
	assert.Equal(t, time.Second, cfg.timeout)
	assert.False(t, cfg.trans)
	assert.Equal(t, "cbor", cfg.serializer)
	assert.True(t, cfg.usePty)
	assert.Equal(t, []string{"A=1", "B=2"}, cfg.env)
}
