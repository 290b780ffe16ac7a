package store

// Range is a closed interval of ids.
type Range struct {
	Start uint64
	End   uint64
}

// Len returns the number of ids in the range.
func (r Range) Len() uint64 {
	return r.End - r.Start + 1
}

// SubtractRanges removes every id covered by ys from xs, splitting ranges
// where needed. Order within xs is preserved.
func SubtractRanges(xs, ys []Range) []Range {
	if len(ys) == 0 {
		return xs
	}

	out := make([]Range, 0, len(xs))

	for _, x := range xs {
		cur := []Range{x}

		for _, y := range ys {
			next := cur[:0:0]

			for _, c := range cur {
				if y.End < c.Start || y.Start > c.End {
					next = append(next, c)
					continue
				}

				if y.Start > c.Start {
					next = append(next, Range{Start: c.Start, End: y.Start - 1})
				}

				if y.End < c.End {
					next = append(next, Range{Start: y.End + 1, End: c.End})
				}
			}

			cur = next
		}

		out = append(out, cur...)
	}

	return out
}

// GroupRanges collapses a sorted slice of ids into maximal consecutive runs.
func GroupRanges(ids []uint64) []Range {
	if len(ids) == 0 {
		return nil
	}

	ranges := []Range{{Start: ids[0], End: ids[0]}}

	for _, id := range ids[1:] {
		last := &ranges[len(ranges)-1]
		if id == last.End+1 {
			last.End = id
			continue
		}

		ranges = append(ranges, Range{Start: id, End: id})
	}

	return ranges
}
