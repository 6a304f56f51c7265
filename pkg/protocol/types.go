package protocol

import "time"

// RawPacket is one datalog entry as dequeued from the device queue.
// SendTime and LogTime are seconds on the device clock.
type RawPacket struct {
	SendTime uint32
	LogTime  uint32
	Data     []byte
}

// Variable is one decoded record of a datalog packet.
type Variable struct {
	ID    uint8
	Name  string
	Raw   []byte
	Value any
}

// Bundle is the decoded form of one datalog packet: the variables sampled
// together and their log time converted to the host clock.
type Bundle struct {
	ID        uint8
	Variables []Variable
	LogTime   time.Time
}

// Lookup returns the first variable with the given id.
func (b Bundle) Lookup(id uint8) (Variable, bool) {
	for _, v := range b.Variables {
		if v.ID == id {
			return v, true
		}
	}
	return Variable{}, false
}
