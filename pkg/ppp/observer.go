package ppp

// Observer receives link events for metrics. Methods are called with the
// link lock held and must not block.
type Observer interface {
	StateChanged(link, proto string, from, to State)
	PhaseChanged(link string, from, to Phase)
	InputError(link, reason string)
	OutputError(link, reason string)
	AuthResult(link, proto string, ok bool)
	Loopback(link string)
	KeepaliveSent(link string)
	KeepaliveTimeout(link string)
}

// NopObserver discards all events.
type NopObserver struct{}

func (NopObserver) StateChanged(string, string, State, State) {}
func (NopObserver) PhaseChanged(string, Phase, Phase)         {}
func (NopObserver) InputError(string, string)                 {}
func (NopObserver) OutputError(string, string)                {}
func (NopObserver) AuthResult(string, string, bool)           {}
func (NopObserver) Loopback(string)                           {}
func (NopObserver) KeepaliveSent(string)                      {}
func (NopObserver) KeepaliveTimeout(string)                   {}
