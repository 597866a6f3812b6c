package models

import "time"

// Plan is the read-only product definition a voucher or coin session is bound to.
// Nil limits mean "not limited on that axis".
type Plan struct {
	ID              string
	Name            string
	PriceCents      int64
	DurationMinutes *int
	DataCapMB       *int64
	DownKbps        *int
	UpKbps          *int
	Archived        bool
	CreatedAt       time.Time
}

// ExpiryFrom returns activatedAt + duration, or nil for plans without a duration.
func (p *Plan) ExpiryFrom(activatedAt time.Time) *time.Time {
	if p.DurationMinutes == nil {
		return nil
	}
	t := activatedAt.Add(time.Duration(*p.DurationMinutes) * time.Minute)
	return &t
}
