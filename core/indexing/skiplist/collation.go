package skiplist

import (
	"sync"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// Collation compares strings for index ordering. A collate.Collator keeps scratch
// buffers and is not safe for concurrent use, so instances are pooled.
type Collation struct {
	tag        language.Tag
	ignoreCase bool
	pool       sync.Pool
}

// NewCollation builds a collation for tag. ignoreCase folds case differences.
func NewCollation(tag language.Tag, ignoreCase bool) *Collation {
	c := &Collation{tag: tag, ignoreCase: ignoreCase}
	c.pool.New = func() any {
		var opts []collate.Option
		if ignoreCase {
			opts = append(opts, collate.IgnoreCase)
		}
		return collate.New(tag, opts...)
	}
	return c
}

// DefaultCollation is culture invariant and case insensitive.
func DefaultCollation() *Collation {
	return NewCollation(language.Und, true)
}

func (c *Collation) Compare(a, b string) int {
	col := c.pool.Get().(*collate.Collator)
	defer c.pool.Put(col)
	return col.CompareString(a, b)
}

func (c *Collation) String() string {
	if c.ignoreCase {
		return c.tag.String() + "/IgnoreCase"
	}
	return c.tag.String()
}
