// Package types contains the domain types shared across all dayslot internal
// packages. It deliberately has zero imports of other dayslot packages so that
// the buffer, scheduler, storage and transport layers can all depend on it
// without creating import cycles.
//
// Field names and numeric codes mirror the host platform's message API so that
// records fetched from it and updates pushed back to it need no translation.
package types

// ScheduleType says whether a message is delivered once or on a recurring
// schedule.
type ScheduleType uint8

const (
	// ScheduleOneTime messages carry a DeliveryDayTime and are delivered once
	// per day at (or after) that offset from local midnight.
	ScheduleOneTime ScheduleType = 0
	// ScheduleRecurring messages carry a cron expression in Schedule. They
	// never enter the slot scheduler.
	ScheduleRecurring ScheduleType = 1
)

// String returns a human-readable representation of the schedule type.
func (s ScheduleType) String() string {
	switch s {
	case ScheduleOneTime:
		return "one_time"
	case ScheduleRecurring:
		return "recurring"
	default:
		return "unknown"
	}
}

// Status is the host-side lifecycle state of a message.
type Status uint8

const (
	// StatusPending means the message is waiting for a delivery slot.
	StatusPending Status = 1
	// StatusScheduled means a delivery date has been assigned.
	StatusScheduled Status = 2
	// StatusDelivered means the downstream channel has released the message.
	StatusDelivered Status = 3
)

// String returns a human-readable representation of the status.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusScheduled:
		return "scheduled"
	case StatusDelivered:
		return "delivered"
	default:
		return "unknown"
	}
}

// Priority is the urgency tier assigned by a classifier. It is only ever used
// as a secondary ordering key, after the nominal delivery slot.
type Priority uint8

const (
	// PriorityUnset is the zero value: no classification signal available.
	PriorityUnset Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
)

// urgencyRank is the tie-break order used by the schedule buffer: the more
// urgent tier sorts first and unclassified messages sort last.
var urgencyRank = [...]uint8{
	PriorityHigh:   0,
	PriorityMedium: 1,
	PriorityLow:    2,
	PriorityUnset:  3,
}

// Rank returns the ordering rank of p; lower ranks are drained first.
// Unknown values rank with PriorityUnset.
func (p Priority) Rank() uint8 {
	if int(p) >= len(urgencyRank) {
		return urgencyRank[PriorityUnset]
	}
	return urgencyRank[p]
}

// String returns a human-readable representation of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	case PriorityUnset:
		return "unset"
	default:
		return "unknown"
	}
}

// Message is one candidate for delivery as returned by the host message API.
//
// All epoch timestamps are UTC milliseconds except DeliveryDayTime, which is
// seconds since local midnight, and TimeToLive, which is seconds.
type Message struct {
	ID string `json:"messageId"`

	// OriginalMessageID is set on replies.
	OriginalMessageID string `json:"originalMessageId,omitempty"`

	ScheduleType  ScheduleType `json:"scheduleType"`
	Status        Status       `json:"status"`
	TopicID       string       `json:"topicId,omitempty"`
	AppInstanceID string       `json:"appInstanceId,omitempty"`

	// Exactly one of ContentKey or ContentText is normally set.
	ContentKey  string `json:"contentKey,omitempty"`
	ContentText string `json:"contentText,omitempty"`

	CreationTime    int64 `json:"creationTime,omitempty"`
	MaxDeliveryTime int64 `json:"maxDeliveryTime,omitempty"`

	// DeliveryDayTime is only defined for ScheduleOneTime messages.
	DeliveryDayTime *int64 `json:"deliveryDayTime,omitempty"`

	TimeToLive int64 `json:"timeToLive,omitempty"`

	// DeliveryTime is set by the host once the message has been scheduled.
	DeliveryTime *int64 `json:"deliveryTime,omitempty"`

	Lang string `json:"lang,omitempty"`

	// Schedule is a cron expression, only for ScheduleRecurring messages.
	Schedule string `json:"schedule,omitempty"`
}

// Content returns the text a classifier should look at: the inline text when
// present, otherwise the content key.
func (m *Message) Content() string {
	if m.ContentText != "" {
		return m.ContentText
	}
	return m.ContentKey
}

// Clone returns a copy of the message that shares no pointers with m.
func (m *Message) Clone() *Message {
	c := *m
	if m.DeliveryDayTime != nil {
		v := *m.DeliveryDayTime
		c.DeliveryDayTime = &v
	}
	if m.DeliveryTime != nil {
		v := *m.DeliveryTime
		c.DeliveryTime = &v
	}
	return &c
}

// DayTime is a convenience constructor for Message.DeliveryDayTime.
func DayTime(seconds int64) *int64 { return &seconds }

// Exemplar is a reference phrase with precomputed per-tier scores, supplied
// by the caller to anchor a classifier's urgency judgment for one batch.
// Scores are indexed [high, medium, low]; shorter slices leave the remaining
// tiers unscored.
type Exemplar struct {
	Text   string    `json:"text" yaml:"text"`
	Scores []float64 `json:"scores" yaml:"scores"`
}

// ScheduledUpdate is the directive pushed back to the host for one message.
// DeliveryDate is UTC milliseconds, encoded as a decimal string on the wire.
type ScheduledUpdate struct {
	MessageID    string `json:"messageId"`
	Status       Status `json:"status"`
	DeliveryDate int64  `json:"deliveryDate,string"`
}
