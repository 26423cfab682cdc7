package jsondb

import (
	"bytes"
)

// RawRange is a range of keys of a bucket. Lower and Upper are inclusive
// when the matching Inc flag is set; nil means unbounded. Prefix, when set,
// limits the walk to keys having it.
type RawRange struct {
	Prefix   []byte
	Lower    []byte
	Upper    []byte
	LowerInc bool
	UpperInc bool
	Reverse  bool
}

// RawIE is the range [l, u).
func RawIE(l, u []byte) RawRange {
	return RawRange{Lower: l, Upper: u, LowerInc: true}
}

// Intersect narrows the bounds of rang by another inclusive-lower,
// exclusive-upper pair; nil means unbounded.
func (rang RawRange) Intersect(lower, upper []byte) RawRange {
	if lower != nil {
		if rang.Lower == nil || bytes.Compare(lower, rang.Lower) > 0 {
			rang.Lower, rang.LowerInc = lower, true
		}
	}
	if upper != nil {
		if rang.Upper == nil || bytes.Compare(upper, rang.Upper) < 0 {
			rang.Upper, rang.UpperInc = upper, false
		}
	}
	return rang
}

// Empty reports whether the bounds exclude every key.
func (rang RawRange) Empty() bool {
	if rang.Lower == nil || rang.Upper == nil {
		return false
	}
	cmp := bytes.Compare(rang.Lower, rang.Upper)
	return cmp > 0 || (cmp == 0 && !(rang.LowerInc && rang.UpperInc))
}

func (rang *RawRange) first(c storageCursor) ([]byte, []byte) {
	var k, v []byte
	switch {
	case rang.Reverse && rang.Upper != nil:
		k, v = c.Seek(rang.Upper)
		if k == nil {
			k, v = c.Last()
		} else if !rang.UpperInc || !bytes.Equal(k, rang.Upper) {
			k, v = c.Prev()
		}
	case rang.Reverse && rang.Prefix != nil:
		k, v = c.SeekLast(rang.Prefix)
	case rang.Reverse:
		k, v = c.Last()
	case rang.Lower != nil:
		k, v = c.Seek(rang.Lower)
		if k != nil && !rang.LowerInc && bytes.Equal(k, rang.Lower) {
			k, v = c.Next()
		}
	case rang.Prefix != nil:
		k, v = c.Seek(rang.Prefix)
	default:
		k, v = c.First()
	}
	return rang.admit(k, v)
}

func (rang *RawRange) following(c storageCursor) ([]byte, []byte) {
	if rang.Reverse {
		return rang.admit(c.Prev())
	}
	return rang.admit(c.Next())
}

// admit ends the walk at the first key outside the range.
func (rang *RawRange) admit(k, v []byte) ([]byte, []byte) {
	if k == nil {
		return nil, nil
	}
	if rang.Prefix != nil && !bytes.HasPrefix(k, rang.Prefix) {
		return nil, nil
	}
	if rang.Reverse {
		if rang.Lower != nil {
			if cmp := bytes.Compare(k, rang.Lower); cmp < 0 || cmp == 0 && !rang.LowerInc {
				return nil, nil
			}
		}
	} else if rang.Upper != nil {
		if cmp := bytes.Compare(k, rang.Upper); cmp > 0 || cmp == 0 && !rang.UpperInc {
			return nil, nil
		}
	}
	return k, v
}

func (rang *RawRange) newCursor(c storageCursor) *RawRangeCursor {
	return &RawRangeCursor{rang: *rang, c: c}
}

// RawRangeCursor walks the keys of a bucket that fall into a range.
type RawRangeCursor struct {
	rang    RawRange
	c       storageCursor
	k, v    []byte
	started bool
}

func (c *RawRangeCursor) Next() bool {
	if c.started {
		c.k, c.v = c.rang.following(c.c)
	} else {
		c.started = true
		c.k, c.v = c.rang.first(c.c)
	}
	return c.k != nil
}

func (c *RawRangeCursor) Key() []byte   { return c.k }
func (c *RawRangeCursor) Value() []byte { return c.v }
