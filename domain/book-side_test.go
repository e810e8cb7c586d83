package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBookSide_Ordering(t *testing.T) {
	tests := []struct {
		name  string
		isBid bool
		in    []string
		want  []string
	}{
		{"AsksAscending", false, []string{"3", "1", "2"}, []string{"1", "2", "3"}},
		{"BidsDescending", true, []string{"3", "1", "2"}, []string{"3", "2", "1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			side := NewBookSide(tt.isBid)
			for _, p := range tt.in {
				assert.True(t, side.Upsert(NewBookItem(!tt.isBid, dec(p), dec("1"))))
			}

			got := side.Levels(0)
			require.Len(t, got, len(tt.want))
			for i, want := range tt.want {
				assert.Equal(t, want, got[i].Price.Decimal.String())
				assert.Equal(t, tt.isBid, got[i].IsBid, "side decides IsBid")
			}
			assert.Equal(t, tt.want[0], side.TopOfBook().Price.Decimal.String())
			assert.Equal(t, tt.want[len(tt.want)-1], side.Worst().Price.Decimal.String())
		})
	}
}

func TestBookSide_Upsert(t *testing.T) {
	side := NewBookSide(false)

	assert.True(t, side.Upsert(NewBookItem(false, dec("10"), dec("1"))))
	assert.False(t, side.Upsert(NewBookItem(false, dec("10.0"), dec("1.00"))), "equal price and size is no change")
	assert.True(t, side.Upsert(NewBookItem(false, dec("10"), dec("4"))))
	assert.False(t, side.Upsert(BookItem{Size: Decimal(dec("1"))}), "empty price is never stored")

	assert.Equal(t, 1, side.Len())
	lvl, ok := side.FindByPrice(dec("10"))
	require.True(t, ok)
	assert.Equal(t, "4", lvl.Size.Decimal.String(), "size is replaced, not summed")
}

func TestBookSide_EntryID(t *testing.T) {
	side := NewBookSide(true)

	a := NewBookItem(true, dec("10"), dec("1"))
	a.EntryID = "a"
	side.Upsert(a)

	b := NewBookItem(true, dec("9"), dec("1"))
	b.EntryID = "a"
	side.Upsert(b)

	lvl, ok := side.FindByEntryID("a")
	require.True(t, ok)
	assert.Equal(t, "9", lvl.Price.Decimal.String(), "entry id moves to the latest holder")

	top := side.TopOfBook()
	assert.Empty(t, top.EntryID)

	assert.True(t, side.Delete("a", Decimal(dec("1"))))
	assert.False(t, side.Delete("a", Decimal(dec("1"))))
	assert.True(t, side.Delete("missing", Decimal(dec("10"))), "falls back to the price")
	assert.Equal(t, 0, side.Len())
}

func TestBookSide_EnforceDepth(t *testing.T) {
	side := NewBookSide(true)
	for _, p := range []string{"5", "4", "3", "2", "1"} {
		side.Upsert(NewBookItem(true, dec(p), dec("1")))
	}

	evicted := side.EnforceDepth(3)
	require.Len(t, evicted, 2)
	assert.Equal(t, "1", evicted[0].Price.Decimal.String())
	assert.Equal(t, "2", evicted[1].Price.Decimal.String())
	assert.Equal(t, 3, side.Len())
	assert.Nil(t, side.EnforceDepth(0))
	assert.Nil(t, side.EnforceDepth(10))
}

func TestBookSide_Rank(t *testing.T) {
	side := NewBookSide(false)
	for _, p := range []string{"1", "2", "3"} {
		side.Upsert(NewBookItem(false, dec(p), dec("1")))
	}

	assert.Equal(t, 0, side.Rank(dec("0.5")))
	assert.Equal(t, 1, side.Rank(dec("2")))
	assert.Equal(t, 2, side.Rank(dec("2.5")))
	assert.Equal(t, 3, side.Rank(dec("4")))
}

func TestBookSide_Sizes(t *testing.T) {
	side := NewBookSide(false)
	_, _, ok := side.MinMaxSize()
	assert.False(t, ok)
	assert.Empty(t, side.CumulativeSizes())

	side.Upsert(NewBookItem(false, dec("1"), dec("2")))
	side.Upsert(NewBookItem(false, dec("2"), dec("0.5")))
	side.Upsert(NewBookItem(false, dec("3"), dec("7")))

	lo, hi, ok := side.MinMaxSize()
	require.True(t, ok)
	assert.Equal(t, "0.5", lo.String())
	assert.Equal(t, "7", hi.String())

	cum := side.CumulativeSizes()
	assert.Equal(t, "2", cum[0].String())
	assert.Equal(t, "2.5", cum[1].String())
	assert.Equal(t, "9.5", cum[2].String())
	assert.Equal(t, "2.5", side.TotalSize(2).String())
	assert.Equal(t, "9.5", side.TotalSize(0).String())
}

func TestBookSide_CloneAndClear(t *testing.T) {
	side := NewBookSide(false)
	item := NewBookItem(false, dec("1"), dec("2"))
	item.EntryID = "x"
	side.Upsert(item)

	clone := side.Clone()
	side.Clear()

	assert.Equal(t, 0, side.Len())
	_, ok := side.FindByEntryID("x")
	assert.False(t, ok)

	assert.Equal(t, 1, clone.Len())
	_, ok = clone.FindByEntryID("x")
	assert.True(t, ok)
}

func TestBookItem_Formatting(t *testing.T) {
	item := NewBookItem(true, dec("1.5"), dec("2"))
	item.PriceDecimalPlaces = 5
	item.SizeDecimalPlaces = 2

	assert.Equal(t, "1.50000", item.FormattedPrice())
	assert.Equal(t, "2.00", item.FormattedSize())

	empty := BookItem{}
	assert.True(t, empty.IsEmpty())
	assert.Equal(t, "", empty.FormattedPrice())
}
