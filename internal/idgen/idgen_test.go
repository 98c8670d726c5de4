package idgen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_IsUUID(t *testing.T) {
	id := New()
	assert.Len(t, id, 36)
	assert.True(t, Valid(id))
	assert.NotEqual(t, id, New())
}

func TestValid(t *testing.T) {
	assert.False(t, Valid(""))
	assert.False(t, Valid("not-a-uuid"))
	assert.True(t, Valid("6ba7b810-9dad-11d1-80b4-00c04fd430c8"))
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("frpt_")
	assert.True(t, strings.HasPrefix(id, "frpt_"))
	assert.Len(t, id, len("frpt_")+24)
}
