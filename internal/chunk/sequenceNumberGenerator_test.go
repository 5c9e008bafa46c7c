package chunk

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSequenceNumberGenerator(t *testing.T) {
	testCases := []struct {
		name  string
		start uint32
		want  []uint32
	}{
		{name: "starts_at_one", start: 1, want: []uint32{1, 2, 3}},
		{name: "zero_is_skipped", start: 0, want: []uint32{1, 2}},
		{name: "wraps_to_one", start: MaxSequenceNumber - 1, want: []uint32{MaxSequenceNumber - 1, MaxSequenceNumber, 1, 2}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			g := NewSequenceNumberGenerator()
			g.Set(tc.start)
			for _, want := range tc.want {
				assert.Equal(t, want, g.Future())
				assert.Equal(t, want, g.Next())
			}
		})
	}
}

func TestNextAfterWraps(t *testing.T) {
	assert.Equal(t, uint32(2), nextAfter(1))
	assert.Equal(t, uint32(1), nextAfter(MaxSequenceNumber))
}
