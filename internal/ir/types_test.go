package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSnapshotCloneIsDeep(t *testing.T) {
	orig := Snapshot("abc")
	clone := orig.Clone()
	orig[0] = 'z'

	assert.Equal(t, "abc", string(clone))
	assert.False(t, orig.Equal(clone))
	assert.Nil(t, Snapshot(nil).Clone())
}

func TestFrameAndPlayerStrings(t *testing.T) {
	assert.Equal(t, "7", Frame(7).String())
	assert.Equal(t, Frame(8), Frame(7).Next())
	assert.Equal(t, "2", PlayerID(2).String())
}
