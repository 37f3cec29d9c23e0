package cache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompositeKeyIsOrderIndependent(t *testing.T) {
	a := CompositeKey("available", Fields{"language": "en", "page": "1", "specialization": "anxiety"})
	b := CompositeKey("available", Fields{"specialization": "anxiety", "page": "1", "language": "en"})
	assert.Equal(t, a, b)
	assert.Equal(t, "available:language=en&page=1&specialization=anxiety", a)
}

func TestCompositeKeyDropsEmptyAndEscapes(t *testing.T) {
	k := CompositeKey("online", Fields{"language": "", "specialization": "grief&loss"})
	assert.Equal(t, "online:specialization=grief%26loss", k)
}

func TestEntityKeyIsNotPrefixOfLongerID(t *testing.T) {
	assert.False(t, strings.HasPrefix(EntityKey("stats", "T10"), EntityKey("stats", "T1")))
}

func TestGlobEscape(t *testing.T) {
	assert.Equal(t, `a\*b\?c\[d\]e\\`, globEscape(`a*b?c[d]e\`))
}
