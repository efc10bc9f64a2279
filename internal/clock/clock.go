package clock

import (
	"time"

	"go.uber.org/fx"
)

// Clock abstracts wall time so close cooldowns and replay windows can be driven in tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// New returns the UTC system clock.
func New() Clock { return systemClock{} }

var Module = fx.Module("clock",
	fx.Provide(New),
)
