package date

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    Date
		wantErr bool
	}{
		{"2024-01-31", New(2024, time.January, 31), false},
		{"2024-1-5", New(2024, time.January, 5), false},
		{"31/01/2024", Date{}, true},
		{"", Date{}, true},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestNewNormalizes(t *testing.T) {
	assert.Equal(t, "2024-03-01", New(2024, time.February, 30).String())
}

func TestJSONRoundTrip(t *testing.T) {
	d := New(2023, time.December, 29)
	b, err := json.Marshal(d)
	require.NoError(t, err)
	assert.Equal(t, `"2023-12-29"`, string(b))

	var back Date
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, d, back)

	assert.Error(t, json.Unmarshal([]byte(`"not-a-date"`), &back))
}

func TestEqual(t *testing.T) {
	a := MustParse("2024-05-01")
	b := MustParse("2024-05-01")
	c := MustParse("2024-05-02")

	assert.True(t, Equal(nil, nil))
	assert.False(t, Equal(&a, nil))
	assert.True(t, Equal(&a, &b))
	assert.False(t, Equal(&a, &c))
	assert.True(t, a.Before(c))
	assert.True(t, c.After(a))
}
