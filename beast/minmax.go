package beast

import "time"

// A MinMaxPair is the pagination cursor for one channel: the smallest and
// largest message IDs and display dates this client has observed there.
// Updates only ever widen the range; combining two cursors never narrows
// either bound.
type MinMaxPair struct {
	MinID   string
	MaxID   string
	MinDate time.Time
	MaxDate time.Time
}

// IsEmpty reports whether no ID bounds have been observed yet.
func (p MinMaxPair) IsEmpty() bool {
	return p.MinID == "" && p.MaxID == ""
}

// Combine returns the union of the two cursors: the wider range on both the
// ID and the display-date axes. Unset bounds on either side are ignored.
func (p MinMaxPair) Combine(o MinMaxPair) MinMaxPair {
	out := p
	if o.MinID != "" && (out.MinID == "" || CompareIDs(o.MinID, out.MinID) < 0) {
		out.MinID = o.MinID
	}
	if o.MaxID != "" && (out.MaxID == "" || CompareIDs(o.MaxID, out.MaxID) > 0) {
		out.MaxID = o.MaxID
	}
	if !o.MinDate.IsZero() && (out.MinDate.IsZero() || o.MinDate.Before(out.MinDate)) {
		out.MinDate = o.MinDate
	}
	if !o.MaxDate.IsZero() && (out.MaxDate.IsZero() || o.MaxDate.After(out.MaxDate)) {
		out.MaxDate = o.MaxDate
	}
	return out
}

// Expand grows the cursor so that it covers the given ID and display date.
// An empty ID expands the date bounds only.
func (p MinMaxPair) Expand(id string, date time.Time) MinMaxPair {
	o := MinMaxPair{MinID: id, MaxID: id}
	if !date.IsZero() {
		o.MinDate, o.MaxDate = date, date
	}
	return p.Combine(o)
}

// ExpandDate grows the date bounds only, leaving the ID bounds untouched.
// Used for rows whose IDs are temporary and must not feed the server cursor.
func (p MinMaxPair) ExpandDate(date time.Time) MinMaxPair {
	return p.Combine(MinMaxPair{MinDate: date, MaxDate: date})
}

// A MessageBatch is an ordered (newest display date first) run of messages
// together with the cursor covering it and whether the source had more rows
// beyond it.
type MessageBatch struct {
	Messages []Message
	Pair     MinMaxPair
	IsMore   bool
}
