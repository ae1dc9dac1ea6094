package selection

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"portfolio-sync/date"
)

func TestSelection_ModeDerivedFromDate(t *testing.T) {
	st := NewState(Selection{PortfolioID: "P1"})
	assert.Equal(t, Live, st.Mode())

	st.SetDate(date.MustParse("2023-06-30"))
	assert.Equal(t, Historical, st.Mode())
	assert.Equal(t, "2023-06-30", st.Current().AsOf.String())

	assert.True(t, st.ClearDate())
	assert.False(t, st.ClearDate(), "second clear is not a change")
	assert.Equal(t, Live, st.Mode())
}

func TestSelection_SelectClearsDate(t *testing.T) {
	st := NewState(Selection{PortfolioID: "P1"})
	st.SetDate(date.MustParse("2023-06-30"))

	prev := st.Select("P2")
	assert.Equal(t, "P1", prev.PortfolioID)
	assert.Equal(t, Historical, prev.Mode())

	cur := st.Current()
	assert.Equal(t, "P2", cur.PortfolioID)
	assert.Nil(t, cur.AsOf)
	assert.Equal(t, Live, cur.Mode())
}

func TestSelection_CurrentIsACopy(t *testing.T) {
	st := NewState(Selection{PortfolioID: "P1"})
	st.SetDate(date.MustParse("2023-06-30"))

	cur := st.Current()
	*cur.AsOf = date.MustParse("1999-01-01")
	assert.Equal(t, "2023-06-30", st.Current().AsOf.String())
}

func TestSelection_EmptyUntilLoaded(t *testing.T) {
	st := NewState(Selection{})
	assert.False(t, st.Current().HasPortfolio())
	assert.Equal(t, "live", st.Mode().String())
	assert.Equal(t, "historical", Historical.String())
}
