package tracker

// Status represents the lifecycle state of a tracked item.
type Status string

// Sound lifecycle states.
const (
	StatusPending  Status = "pending"
	StatusIndexing Status = "indexing"
	StatusActive   Status = "active"
	StatusFailed   Status = "failed"
)

// Post lifecycle states. Pending and failed are shared with sounds.
const (
	StatusManual   Status = "manual"
	StatusScraping Status = "scraping"
	StatusScraped  Status = "scraped"
)

// Machine describes the legal states and transitions for one item kind.
type Machine struct {
	Kind       Kind
	InFlight   Status
	Success    Status
	Startable  []Status
	Terminal   []Status
	Resettable []Status
}

var (
	soundMachine = Machine{
		Kind:       KindSound,
		InFlight:   StatusIndexing,
		Success:    StatusActive,
		Startable:  []Status{StatusPending, StatusActive, StatusFailed},
		Terminal:   []Status{StatusActive, StatusFailed},
		Resettable: []Status{StatusIndexing},
	}
	postMachine = Machine{
		Kind:       KindPost,
		InFlight:   StatusScraping,
		Success:    StatusScraped,
		Startable:  []Status{StatusPending, StatusManual, StatusScraped, StatusFailed},
		Terminal:   []Status{StatusScraped, StatusFailed, StatusManual},
		Resettable: []Status{StatusScraping},
	}
)

// MachineFor returns the state machine for the given kind.
func MachineFor(kind Kind) Machine {
	if kind == KindPost {
		return postMachine
	}
	return soundMachine
}

// Valid reports whether s belongs to this machine.
func (m Machine) Valid(s Status) bool {
	return s == StatusPending || s == m.InFlight || contains(m.Terminal, s)
}

// IsTerminal reports whether s is a terminal state of this machine.
func (m Machine) IsTerminal(s Status) bool {
	return contains(m.Terminal, s)
}

// Allowed reports whether from -> to is a defined transition.
func (m Machine) Allowed(from, to Status) bool {
	switch {
	case to == m.InFlight:
		return contains(m.Startable, from)
	case to == m.Success || to == StatusFailed:
		return from == m.InFlight
	case to == StatusPending:
		return contains(m.Resettable, from)
	case to == StatusManual && m.Kind == KindPost:
		return from == StatusPending
	default:
		return false
	}
}

// IsInFlight reports whether s is an in-flight state of any machine.
func IsInFlight(s Status) bool {
	return s == StatusIndexing || s == StatusScraping
}

// IsTerminal reports whether s is terminal for any kind. Manual entries count as settled.
func IsTerminal(s Status) bool {
	switch s {
	case StatusActive, StatusScraped, StatusFailed, StatusManual:
		return true
	default:
		return false
	}
}

func contains(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
