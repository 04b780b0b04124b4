package identity

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromHeaders(t *testing.T) {
	h := http.Header{}
	h.Set(HeaderCallerID, " u1 ")
	h.Set(HeaderCallerPartition, "replica")
	h.Set(HeaderCallerPartitions, "primary, replica,,")

	c, err := FromHeaders(h)
	require.NoError(t, err)
	assert.Equal(t, "u1", c.ID)
	assert.Equal(t, "replica", c.PrimaryPartition)
	assert.Equal(t, []string{"primary", "replica"}, c.Partitions)
}

func TestFromHeadersMissingID(t *testing.T) {
	_, err := FromHeaders(http.Header{})
	require.ErrorIs(t, err, ErrMissingCaller)
}

func TestCanAccess(t *testing.T) {
	open := Caller{ID: "u1"}
	assert.True(t, open.CanAccess("anything"))

	scoped := Caller{ID: "u1", PrimaryPartition: "home", Partitions: []string{"archive"}}
	assert.True(t, scoped.CanAccess("home"))
	assert.True(t, scoped.CanAccess("archive"))
	assert.False(t, scoped.CanAccess("other"))
}
