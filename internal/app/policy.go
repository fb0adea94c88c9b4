package app

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	KickMember
	DropFrame
)

// Policy decides what happens to a member whose send buffer is full.
type Policy interface {
	OnBackPressure(room *Room, member *Member) BackpressureAction
}

type SimplePolicy struct{}

// OnBackPressure drops frames for hosts, who can re-fetch, and kicks
// visitors, who rejoin and get a fresh snapshot.
func (SimplePolicy) OnBackPressure(_ *Room, member *Member) BackpressureAction {
	if member.IsHost() {
		return DropFrame
	}
	return KickMember
}
