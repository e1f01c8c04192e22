package hydrocompute

import "github.com/ZanzyTHEbar/hydrocompute/internal/eventbus"

// WithEventBus sets the event bus that receives run, step, task and unit
// events. A bus passed here is not closed by Engine.Close.
func WithEventBus(bus eventbus.EventBus) Option {
	return func(e *Engine) {
		e.bus = bus
	}
}
