package interfaces

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseContentID(t *testing.T) {
	id := ComputeID([]byte("segment"))
	back, err := ParseContentID(id.String())
	require.NoError(t, err)
	assert.True(t, id.Equal(back))

	for _, bad := range []string{"", "0x" + id.String()[2:], id.String()[:63], "Z" + id.String()[1:]} {
		_, err := ParseContentID(bad)
		assert.Error(t, err, bad)
	}
	upper := []byte(id.String())
	for i, c := range upper {
		if c >= 'a' && c <= 'f' {
			upper[i] = c - 'a' + 'A'
			break
		}
	}
	_, err = ParseContentID(string(upper))
	assert.Error(t, err)
}

func TestParseArchiveLocation(t *testing.T) {
	loc, err := ParseArchiveLocation("vault://hvs.TOKEN@127.0.0.1:8200/secret/argus?tls=false")
	require.NoError(t, err)
	assert.Equal(t, "vault", loc.Scheme)
	assert.Equal(t, "127.0.0.1:8200", loc.Host)
	assert.Equal(t, "/secret/argus", loc.Path)
	assert.Equal(t, "hvs.TOKEN", loc.Credentials)
	assert.False(t, loc.BoolParam("tls", true))
	assert.True(t, loc.BoolParam("missing", true))
	assert.NotContains(t, loc.String(), "hvs.TOKEN")

	loc, err = ParseArchiveLocation("S3://bucket/prefix?region=eu-west-1")
	require.NoError(t, err)
	assert.Equal(t, "s3", loc.Scheme)
	assert.Equal(t, "eu-west-1", loc.Param("region"))
	assert.Equal(t, loc.URI, loc.String())

	_, err = ParseArchiveLocation("github://org/repo")
	assert.ErrorIs(t, err, ErrInvalidLocationURI)
	_, err = ParseArchiveLocation("://")
	assert.ErrorIs(t, err, ErrInvalidLocationURI)
}
