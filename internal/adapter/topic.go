package adapter

import "regexp"

// Direction classifies a chat topic relative to this computer.
type Direction int

const (
	// DirectionHuman is any topic outside the peer naming convention.
	DirectionHuman Direction = iota
	// DirectionOutgoing is a peer topic this computer initiated.
	DirectionOutgoing
	// DirectionIncoming is a peer topic another computer opened toward us.
	DirectionIncoming
)

func (d Direction) String() string {
	switch d {
	case DirectionOutgoing:
		return "outgoing"
	case DirectionIncoming:
		return "incoming"
	default:
		return "human"
	}
}

// Peer topics are named "initiator > target - title". Names carry no spaces;
// the title may.
var topicRe = regexp.MustCompile(`^(\S+) > (\S+) - (.+)$`)

// Topic is a parsed peer-convention topic name.
type Topic struct {
	Initiator string
	Target    string
	Title     string
}

// ParseTopic reports whether name follows the peer convention and returns
// its parts when it does.
func ParseTopic(name string) (Topic, bool) {
	m := topicRe.FindStringSubmatch(name)
	if m == nil {
		return Topic{}, false
	}
	return Topic{Initiator: m[1], Target: m[2], Title: m[3]}, true
}

// Classify maps a topic name to its direction as seen from self. Peer topics
// naming neither side fall back to human handling.
func Classify(name, self string) Direction {
	t, ok := ParseTopic(name)
	if !ok {
		return DirectionHuman
	}
	switch self {
	case t.Initiator:
		return DirectionOutgoing
	case t.Target:
		return DirectionIncoming
	default:
		return DirectionHuman
	}
}
