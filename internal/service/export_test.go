package service

import "time"

// SetClock overrides the manager's clock.
func (m *ConsentManager) SetClock(now func() time.Time) { m.now = now }
