package prelude

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupPython(t *testing.T) {
	for _, name := range []string{"python", "Python", "PYTHON3"} {
		lang, err := Lookup(name)
		require.NoError(t, err, name)
		assert.NotEmpty(t, lang.Command)
		assert.NotEmpty(t, lang.Source)
	}
}

func TestLookupUnknown(t *testing.T) {
	_, err := Lookup("cobol")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "python")
}

func TestNames(t *testing.T) {
	assert.Equal(t, []string{"python", "python3"}, Names())
}

func TestPythonPromptMatching(t *testing.T) {
	lang, err := Lookup("python")
	require.NoError(t, err)

	banner := "Python 3.12.0 (main, Oct  2 2023, 00:00:00) [GCC] on linux\n" +
		`Type "help", "copyright", "credits" or "license" for more information.` + "\n>>> "
	assert.True(t, lang.Prompt.MatchString(banner))
	assert.False(t, lang.Prompt.MatchString(banner+"x"))

	assert.True(t, lang.Ready.MatchString("\n>>> "))
	assert.True(t, lang.Ready.MatchString("\r\n>>> "))
	assert.False(t, lang.Ready.MatchString(">>> "))
}

func TestPythonExecLineIsOneLine(t *testing.T) {
	lang, err := Lookup("python")
	require.NoError(t, err)

	line := lang.ExecLine(lang.Source)
	assert.NotContains(t, line, "\n")
	assert.True(t, strings.HasPrefix(line, "exec("))

	// The wrapped payload is the prelude plus the READY emitter.
	start := strings.Index(line, `b64decode("`) + len(`b64decode("`)
	end := strings.Index(line[start:], `"`)
	decoded, err := base64.StdEncoding.DecodeString(line[start : start+end])
	require.NoError(t, err)
	assert.Contains(t, string(decoded), "__GOBOND_start")
	assert.True(t, strings.HasSuffix(string(decoded), "__GOBOND_sendline()\n"))
}

func TestPythonStartLine(t *testing.T) {
	lang, err := Lookup("python")
	require.NoError(t, err)

	assert.Equal(t, `__GOBOND_start(True, "json")`, lang.StartLine(true, "json"))
	assert.Equal(t, `__GOBOND_start(False, "json")`, lang.StartLine(false, "json"))
}

func TestPythonPreludeShape(t *testing.T) {
	lang, err := Lookup("python")
	require.NoError(t, err)

	// The prelude must define the handshake entry points the spawner
	// drives, and route every frame through the reserved namespace.
	for _, needle := range []string{
		"def __GOBOND_start(",
		"def __GOBOND_sendline(",
		"def __GOBOND_serve(",
		"def __GOBOND_call_host(",
		"'sentinel': '__GOBOND'",
		"repl_depth",
	} {
		assert.Contains(t, lang.Source, needle)
	}
}
