package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPaddingRoundTrip(t *testing.T) {
	for _, size := range []int{0, 1, 158, 159, 160, 161, 500} {
		content := make([]byte, size)
		for i := range content {
			content[i] = byte(i%250 + 1)
		}
		padded := PadContent(content)
		require.Equal(t, 0, len(padded)%160)
		require.True(t, len(padded) > len(content))
		stripped, err := stripPadding(padded)
		require.Nil(t, err)
		require.Equal(t, content, stripped)
	}
}

func TestStripPaddingInvalid(t *testing.T) {
	_, err := stripPadding([]byte{1, 2, 3})
	require.NotNil(t, err)

	all := make([]byte, 160)
	_, err = stripPadding(all)
	require.NotNil(t, err)
}
