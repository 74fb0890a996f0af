package topics

// Topic is a pub/sub channel name built from a dotted prefix and a name.
type Topic struct {
	prefix string
	name   string
}

func New(prefix, name string) Topic {
	return Topic{
		prefix: prefix,
		name:   name,
	}
}

func (t Topic) Name() string {
	if t.prefix == "" {
		return t.name
	}
	return t.prefix + "." + t.name
}

func (t Topic) String() string { return t.Name() }

// MeetingStatus carries a JSON status event for every committed transition.
var MeetingStatus = New("minutes.meeting", "status")
