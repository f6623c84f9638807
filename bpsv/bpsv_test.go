package bpsv

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const sample = `Region!STRING:0|BuildConfig!HEX:16|CDNConfig!HEX:16|BuildId!DEC:4|VersionsName!String:0
## seqn = 12345
us|aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa|bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb|12345|1.2.3.12345
eu|cccccccccccccccccccccccccccccccc|dddddddddddddddddddddddddddddddd|12345|1.2.3.12345
`

func TestParse(t *testing.T) {
	doc, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)
	require.Len(t, doc.Columns, 5)
	require.Equal(t, "Region", doc.Columns[0].Name)
	require.Equal(t, "STRING:0", doc.Columns[0].Type)
	require.EqualValues(t, 12345, doc.Seqn)
	require.Len(t, doc.Rows, 2)

	v, ok := doc.Get(0, "Region")
	require.True(t, ok)
	require.Equal(t, "us", v)

	v, ok = doc.Get(1, "BuildId")
	require.True(t, ok)
	require.Equal(t, "12345", v)

	require.True(t, doc.HasColumn("CDNConfig"))
	require.False(t, doc.HasColumn("Nope"))
}

func TestParseRowFieldMismatch(t *testing.T) {
	bad := "A!STRING:0|B!STRING:0\nonly-one-field\n"
	_, err := Parse(strings.NewReader(bad))
	require.Error(t, err)
}

func TestParseEmpty(t *testing.T) {
	_, err := Parse(strings.NewReader(""))
	require.Error(t, err)
}
