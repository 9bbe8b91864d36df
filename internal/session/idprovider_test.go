package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIDProviderIncrements(t *testing.T) {
	ids := NewIDProvider()
	assert.Equal(t, int32(1), ids.NextID())
	assert.Equal(t, int32(2), ids.NextID())
	assert.Equal(t, int32(3), ids.NextID())
}

func TestIDProviderWrapsAtMax(t *testing.T) {
	ids := NewIDProvider()
	ids.next = maxSessionID - 1

	assert.Equal(t, maxSessionID, ids.NextID())
	assert.Equal(t, int32(1), ids.NextID())
}
