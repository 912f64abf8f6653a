package breaker

import "time"

// Clock abstracts the time source so tests can step through recovery windows
// without sleeping.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }
