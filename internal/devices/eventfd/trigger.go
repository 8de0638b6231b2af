//go:build linux

package eventfd

// Trigger signals an interested party through an eventfd, for example a device that
// has to learn about guest memory layout changes.
type Trigger struct {
	evt *EventFd
}

func NewTrigger(evt *EventFd) *Trigger {
	return &Trigger{evt: evt}
}

// Trigger adds one to the eventfd counter.
func (t *Trigger) Trigger() error {
	return t.evt.Write(1)
}

// GetEvent returns a clone of the eventfd for the side waiting on it. The caller has to close it.
func (t *Trigger) GetEvent() (*EventFd, error) {
	return t.evt.TryClone()
}

func (t *Trigger) Close() error {
	return t.evt.Close()
}
