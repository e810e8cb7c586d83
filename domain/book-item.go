package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// BookItem is a single aggregated price level of one side of the book.
// A level without a valid Price is empty and never stored in a BookSide.
type BookItem struct {
	Symbol     string
	ProviderID int
	EntryID    string
	IsBid      bool

	Price      decimal.NullDecimal
	Size       decimal.NullDecimal
	ActiveSize decimal.NullDecimal

	LocalTimestamp  time.Time
	ServerTimestamp time.Time

	PriceDecimalPlaces int32
	SizeDecimalPlaces  int32
}

// NewBookItem builds a level with price and size set.
func NewBookItem(isBid bool, price, size decimal.Decimal) BookItem {
	return BookItem{
		IsBid:          isBid,
		Price:          Decimal(price),
		Size:           Decimal(size),
		LocalTimestamp: time.Now(),
	}
}

// Decimal wraps d into a valid NullDecimal.
func Decimal(d decimal.Decimal) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: d, Valid: true}
}

func (b *BookItem) IsEmpty() bool {
	return !b.Price.Valid
}

// FormattedPrice renders the price with the book's price decimal places.
func (b *BookItem) FormattedPrice() string {
	if !b.Price.Valid {
		return ""
	}
	return b.Price.Decimal.StringFixed(b.PriceDecimalPlaces)
}

func (b *BookItem) FormattedSize() string {
	if !b.Size.Valid {
		return ""
	}
	return b.Size.Decimal.StringFixed(b.SizeDecimalPlaces)
}

// SameLevel reports whether the quantities a subscriber can observe are identical.
// Timestamps are deliberately not compared.
func (b *BookItem) SameLevel(other *BookItem) bool {
	return b.IsBid == other.IsBid &&
		b.EntryID == other.EntryID &&
		nullEqual(b.Price, other.Price) &&
		nullEqual(b.Size, other.Size) &&
		nullEqual(b.ActiveSize, other.ActiveSize)
}

func nullEqual(a, b decimal.NullDecimal) bool {
	if a.Valid != b.Valid {
		return false
	}
	return !a.Valid || a.Decimal.Equal(b.Decimal)
}

func sizeOrZero(d decimal.NullDecimal) decimal.Decimal {
	if !d.Valid {
		return decimal.Zero
	}
	return d.Decimal
}
