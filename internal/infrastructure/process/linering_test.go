package process

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLineRing_KeepsNewestLines(t *testing.T) {
	r := NewLineRing(3)
	for _, l := range []string{"a", "b", "", "c", "d"} {
		r.Add(l)
	}

	assert.Equal(t, []string{"b", "c", "d"}, r.LastN(10))
	assert.Equal(t, []string{"c", "d"}, r.LastN(2))
	assert.Nil(t, r.LastN(0))
}

func TestLineRing_Empty(t *testing.T) {
	assert.Nil(t, NewLineRing(0).LastN(5))
}
