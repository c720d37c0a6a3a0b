package trigger

import "time"

func (f FixedDelay) Validate(time.Time, *time.Location) []string {
	if f.Seconds <= 0 {
		return []string{"Fixed delay must be positive"}
	}
	return nil
}

func (f FixedDelay) next(ref time.Time, loc *time.Location) (*time.Time, error) {
	if f.Seconds <= 0 {
		return nil, invalidf("fixed delay must be positive, got %d", f.Seconds)
	}
	next := ref.Add(time.Duration(f.Seconds) * time.Second).In(loc)
	return &next, nil
}

func (o OneShot) Validate(now time.Time, _ *time.Location) []string {
	if o.StartAt.IsZero() {
		return []string{"Start time is required"}
	}
	if !o.StartAt.After(now) {
		return []string{"Start time must be in the future"}
	}
	return nil
}

func (o OneShot) next(ref time.Time, loc *time.Location) (*time.Time, error) {
	if o.StartAt.IsZero() || !o.StartAt.After(ref) {
		return nil, nil
	}
	next := o.StartAt.In(loc)
	return &next, nil
}
