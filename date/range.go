package date

// Range represents a range of dates, boundaries included. A zero bound is open.
type Range struct{ From, To Date }

// Contains return true date is included in the range (boundaries included)
func (r Range) Contains(date Date) bool {
	if !r.From.IsZero() && date.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && date.After(r.To) {
		return false
	}
	return true
}

// IsOpen reports whether neither bound is set.
func (r Range) IsOpen() bool { return r.From.IsZero() && r.To.IsZero() }

// Sanitize builds a Range out of user supplied bounds.
//
// Bounds that cannot be parsed are dropped rather than kept malformed, and so are
// inverted ranges' upper bounds. The names of the dropped bounds are returned
// so the caller can report them.
func Sanitize(from, to string) (r Range, dropped []string) {
	if from != "" {
		if d, err := Parse(from); err == nil {
			r.From = d
		} else {
			dropped = append(dropped, "from")
		}
	}
	if to != "" {
		if d, err := Parse(to); err == nil {
			r.To = d
		} else {
			dropped = append(dropped, "to")
		}
	}
	if !r.From.IsZero() && !r.To.IsZero() && r.To.Before(r.From) {
		r.To = Date{}
		dropped = append(dropped, "to")
	}
	return r, dropped
}
