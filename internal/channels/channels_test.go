package channels

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConf = `[WXYZ-HD]
SERVICE_ID = 3
VCHANNEL = 15.1
FREQUENCY = 503000000

[Bounce]
SERVICE_ID = 0x10
VCHANNEL = 55.2
FREQUENCY = 617000000

[Bounce]
SERVICE_ID = 17
VCHANNEL = 55.3
FREQUENCY = 617000000
`

func writeConf(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "channels.conf")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadParsesSections(t *testing.T) {
	r, err := Load(writeConf(t, sampleConf))
	require.NoError(t, err)

	require.Len(t, r.All(), 3)

	ch, ok := r.ByNumber("15.1")
	require.True(t, ok)
	assert.Equal(t, "WXYZ-HD", ch.Name)
	assert.Equal(t, "3", ch.ServiceID)
	assert.Equal(t, "503000000", ch.Frequency)
}

func TestDuplicateNamesDisambiguatedByNumber(t *testing.T) {
	r, err := Load(writeConf(t, sampleConf))
	require.NoError(t, err)

	a, ok := r.ByNumber("55.2")
	require.True(t, ok)
	b, ok := r.ByNumber("55.3")
	require.True(t, ok)

	assert.Equal(t, "Bounce", a.Name)
	assert.Equal(t, "Bounce", b.Name)
	assert.NotEqual(t, a.Number, b.Number)
	// The hex service id is canonicalised to decimal.
	assert.Equal(t, "16", a.ServiceID)
	assert.Equal(t, "17", b.ServiceID)
}

func TestDistinctFrequencies(t *testing.T) {
	r, err := Load(writeConf(t, sampleConf))
	require.NoError(t, err)

	assert.Equal(t, []string{"503000000", "617000000"}, r.DistinctFrequencies())
}

func TestFindByFreqAndProgram(t *testing.T) {
	r, err := Load(writeConf(t, sampleConf))
	require.NoError(t, err)

	ch, ok := r.FindByFreqAndProgram("617000000", 16)
	require.True(t, ok)
	assert.Equal(t, "55.2", ch.Number)

	_, ok = r.FindByFreqAndProgram("503000000", 16)
	assert.False(t, ok)
}

func TestCanonicalServiceID(t *testing.T) {
	assert.Equal(t, "16", CanonicalServiceID("0x10"))
	assert.Equal(t, "7", CanonicalServiceID(" 7 "))
	assert.Equal(t, "", CanonicalServiceID(""))
	assert.Equal(t, "bogus", CanonicalServiceID("bogus"))
}

func TestLoadEmptyConf(t *testing.T) {
	_, err := Load(writeConf(t, "# nothing here\n"))
	assert.Error(t, err)
}
