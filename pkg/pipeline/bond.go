package pipeline

// Producer is implemented by actions that emit a value for the next action
type Producer[T any] interface {
	Action
	Output() T
}

// Consumer is implemented by actions that receive a value from the
// previous action before they run
type Consumer[T any] interface {
	Action
	SetInput(T)
}

type bond struct {
	from     Action
	transfer func()
}

// Bond wires one action's output into another's input slot. The hand-off
// happens after the producer completes successfully and before the
// consumer runs. Type mismatches fail at compile time.
func Bond[T any](p *Processor, from Producer[T], to Consumer[T]) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bonds = append(p.bonds, bond{
		from:     from,
		transfer: func() { to.SetInput(from.Output()) },
	})
}

// Feeder supplies an externally constructed value into the pipeline,
// performing no work of its own.
type Feeder[T any] struct {
	BaseAction
	value T
}

// NewFeeder creates a feeder holding the given value
func NewFeeder[T any](value T) *Feeder[T] {
	return &Feeder[T]{value: value}
}

func (f *Feeder[T]) Name() string { return "feeder" }

// Perform completes immediately; the feeder only exists to be bonded
func (f *Feeder[T]) Perform(done *Completion) {
	done.Complete(CodeSuccess)
}

// Output returns the fed value
func (f *Feeder[T]) Output() T { return f.value }

// Collector stores the final value flowing out of the pipeline for the
// invoking caller to inspect.
type Collector[T any] struct {
	BaseAction
	value T
	set   bool
}

// NewCollector creates an empty collector
func NewCollector[T any]() *Collector[T] {
	return &Collector[T]{}
}

func (c *Collector[T]) Name() string { return "collector" }

// SetInput stores the bonded value
func (c *Collector[T]) SetInput(v T) {
	c.value = v
	c.set = true
}

// Perform completes immediately; collection happened at bond time
func (c *Collector[T]) Perform(done *Completion) {
	done.Complete(CodeSuccess)
}

// Collected returns the stored value and whether one arrived
func (c *Collector[T]) Collected() (T, bool) {
	return c.value, c.set
}
