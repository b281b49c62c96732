package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCaps(t *testing.T) {
	c, err := ParseCaps("video/x-raw, format=I420, width=(int)640, height=480")
	require.NoError(t, err)
	assert.Equal(t, "video/x-raw", c.MediaType())

	w, ok := c.Int("width")
	assert.True(t, ok)
	assert.Equal(t, 640, w)
	f, _ := c.Get("format")
	assert.Equal(t, "I420", f)
	assert.True(t, c.Fixed())
	assert.Equal(t, "video/x-raw, format=I420, height=480, width=640", c.String())

	alt, err := ParseCaps("video/x-raw, format={I420, RGBA}")
	require.NoError(t, err)
	assert.False(t, alt.Fixed())

	for _, bad := range []string{"", "novideo", "video/x-raw, width"} {
		_, err := ParseCaps(bad)
		assert.Error(t, err, bad)
	}
}

func TestCapsIntersect(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want string
		ok   bool
	}{
		{"same type merges fields", "video/x-raw, width=640", "video/x-raw, height=480", "video/x-raw, height=480, width=640", true},
		{"conflicting field", "video/x-raw, width=640", "video/x-raw, width=320", "", false},
		{"different type", "audio/x-raw", "video/x-raw", "", false},
		{"alternatives narrow", "video/x-raw, format={I420,RGBA}", "video/x-raw, format=RGBA", "video/x-raw, format=RGBA", true},
		{"any", "ANY", "video/x-raw", "video/x-raw", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := MustParseCaps(tt.a).Intersect(MustParseCaps(tt.b))
			assert.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.want, got.String())
			}
		})
	}

	var anyCaps *Caps
	got, ok := anyCaps.Intersect(MustParseCaps("audio/x-raw"))
	assert.True(t, ok)
	assert.Equal(t, "audio/x-raw", got.String())
}

func TestCapsWith(t *testing.T) {
	base := MustParseCaps("video/x-raw, width=640")
	scaled := base.With("width", "320").With("height", "240")

	w, _ := base.Int("width")
	assert.Equal(t, 640, w, "original is unchanged")
	w, _ = scaled.Int("width")
	assert.Equal(t, 320, w)
	assert.True(t, scaled.HasPrefix("video/"))

	_, ok := scaled.Without("height").Get("height")
	assert.False(t, ok)
}
