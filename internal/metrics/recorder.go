// Package metrics records pipe server activity: in-memory statistics for the CLI
// and Prometheus collectors for scraping.
package metrics

// Recorder receives server events. Implementations must be safe for concurrent use.
type Recorder interface {
	MessageReceived(size int)
	AcceptFailed()
	ReadFailed()
	OwnershipChanged(owner bool)
	PendingOperations(n int)
	ActiveStreams(n int)
}

// Nop discards everything.
type Nop struct{}

func (Nop) MessageReceived(int) {}
func (Nop) AcceptFailed() {}
func (Nop) ReadFailed() {}
func (Nop) OwnershipChanged(bool) {}
func (Nop) PendingOperations(int) {}
func (Nop) ActiveStreams(int) {}

// multi fans events out to several recorders.
type multi []Recorder

// Multi returns a Recorder forwarding to every non-nil recorder in rs.
func Multi(rs ...Recorder) Recorder {
	var m multi
	for _, r := range rs {
		if r != nil {
			m = append(m, r)
		}
	}
	switch len(m) {
	case 0:
		return Nop{}
	case 1:
		return m[0]
	}
	return m
}

func (m multi) MessageReceived(size int) {
	for _, r := range m {
		r.MessageReceived(size)
	}
}

func (m multi) AcceptFailed() {
	for _, r := range m {
		r.AcceptFailed()
	}
}

func (m multi) ReadFailed() {
	for _, r := range m {
		r.ReadFailed()
	}
}

func (m multi) OwnershipChanged(owner bool) {
	for _, r := range m {
		r.OwnershipChanged(owner)
	}
}

func (m multi) PendingOperations(n int) {
	for _, r := range m {
		r.PendingOperations(n)
	}
}

func (m multi) ActiveStreams(n int) {
	for _, r := range m {
		r.ActiveStreams(n)
	}
}
