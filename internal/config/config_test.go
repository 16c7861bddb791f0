package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseMinimal(t *testing.T) {
	spec, err := Parse("web=/usr/bin/webd")
	require.NoError(t, err)
	require.Equal(t, "web", spec.Name)
	require.Equal(t, "/usr/bin/webd", spec.Program)
	require.Equal(t, []string{"/usr/bin/webd"}, spec.Argv)
	require.False(t, spec.Restart)
}

func TestParseWithArgsUserAndRestart(t *testing.T) {
	spec, err := Parse("web=/usr/bin/webd:--port,8080,--verbose;user=www-data;restart=true")
	require.NoError(t, err)
	require.Equal(t, []string{"/usr/bin/webd", "--port", "8080", "--verbose"}, spec.Argv)
	require.Equal(t, "www-data", spec.User)
	require.True(t, spec.Restart)
}

func TestParseRejectsMissingProgram(t *testing.T) {
	_, err := Parse("web=")
	require.Error(t, err)
}

func TestParseRejectsMalformed(t *testing.T) {
	_, err := Parse("no-equals-sign")
	require.Error(t, err)
}

func TestParseRejectsUnknownOption(t *testing.T) {
	_, err := Parse("web=/bin/true;bogus=1")
	require.Error(t, err)
}

func TestParseAllPreservesOrder(t *testing.T) {
	specs, err := ParseAll([]string{"a=/bin/a", "b=/bin/b"})
	require.NoError(t, err)
	require.Len(t, specs, 2)
	require.Equal(t, "a", specs[0].Name)
	require.Equal(t, "b", specs[1].Name)
}
