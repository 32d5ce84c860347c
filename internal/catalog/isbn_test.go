package catalog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestISBN(t *testing.T) {
	cases := []struct {
		in    string
		norm  string
		valid bool
	}{
		{"978-7-111-42039-5", "978-7-111-42039-5", true},
		{"  7111420395 ", "7111420395", true},
		{"９７８－７－１１１－４２０３９－５", "978-7-111-42039-5", true},
		{"978-7-115-29Mo0-0", "978-7-115-29Mo0-0", false},
		{"12345", "12345", false},
		{"", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got := NormalizeISBN(tc.in)
			assert.Equal(t, tc.norm, got)
			assert.Equal(t, tc.valid, ValidISBN(got))
		})
	}
}

func TestParsePublishDate(t *testing.T) {
	now := time.Date(2024, 5, 10, 15, 0, 0, 0, time.UTC)

	d, err := parsePublishDate("2024-05-10", now)
	require.NoError(t, err)
	require.NotNil(t, d)

	d, err = parsePublishDate("", now)
	require.NoError(t, err)
	assert.Nil(t, d)

	_, err = parsePublishDate("2024-05-11", now)
	assert.Equal(t, CodeInvalidArgument, err.(*APIError).Code)

	_, err = parsePublishDate("10/05/2024", now)
	assert.Error(t, err)
}
