package mem

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProtectionLevelString(t *testing.T) {
	assert.Equal(t, "none", ProtectionNone.String())
	assert.Equal(t, "partial", ProtectionPartial.String())
	assert.Equal(t, "full", ProtectionFull.String())
}

func TestLockIsBestEffort(t *testing.T) {
	level, err := Lock()
	if err != nil {
		assert.Equal(t, ProtectionNone, level)
		return
	}
	assert.NotEqual(t, ProtectionNone, level)
	assert.NoError(t, Unlock())
}
