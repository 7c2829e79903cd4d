package model

type AudienceKind string

const (
	AudienceAll           AudienceKind = "all"
	AudienceUserIDs       AudienceKind = "user_ids"
	AudienceChannel       AudienceKind = "channel"
	AudienceActiveChannel AudienceKind = "active_channel"
)

// Selector describes who a run targets. Resolution happens once, at enqueue
// time; the resulting delivery rows are the durable recipient set.
type Selector struct {
	Kind             AudienceKind `json:"kind"`
	UserIDs          []int64      `json:"userIds,omitempty"`
	Channel          string       `json:"channel,omitempty"`
	ActiveWithinDays int          `json:"activeWithinDays,omitempty"`
}

// Recipient is one resolved audience member: an optional internal user id
// plus the opaque transport address the message is sent to.
type Recipient struct {
	UserID  *int64
	Address string
}
