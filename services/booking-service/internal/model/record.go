package model

import "time"

// PaymentStatus is the record payment state. The only legal transition is
// pending -> paid, applied via a conditional update so concurrent webhook
// and force-sync triggers cannot race or regress it.
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
)

// RecordKind discriminates the two payable record types.
type RecordKind string

const (
	KindAppointment  RecordKind = "appointment"
	KindSubscription RecordKind = "subscription"
)

func ParseRecordKind(s string) (RecordKind, bool) {
	switch RecordKind(s) {
	case KindAppointment:
		return KindAppointment, true
	case KindSubscription:
		return KindSubscription, true
	default:
		return "", false
	}
}

// PrepBuffer is the mandatory preparation span immediately before every
// appointment. It belongs to the occupied interval, not to the booked
// duration itself, and applies symmetrically to existing and candidate
// appointments.
const PrepBuffer = 30 * time.Minute

// AppointmentDurations are the bookable lengths in minutes, ascending.
var AppointmentDurations = []int{45, 60, 75, 90, 105, 120}

func IsAppointmentDuration(minutes int) bool {
	for _, d := range AppointmentDurations {
		if d == minutes {
			return true
		}
	}
	return false
}

type Appointment struct {
	ID                 string
	OwnerID            string
	CustomerName       string
	CustomerEmail      string
	CustomerPhone      string
	StartTime          time.Time
	DurationMinutes    int
	PaymentStatus      PaymentStatus
	ProcessorSessionID string
	IsTest             bool
	PaidAt             *time.Time
	CreatedAt          time.Time
}

func (a Appointment) EndTime() time.Time {
	return a.StartTime.Add(time.Duration(a.DurationMinutes) * time.Minute)
}

// Occupied returns the half-open interval [start - prep, end) the
// appointment blocks for conflict purposes.
func (a Appointment) Occupied() (start, end time.Time) {
	return a.StartTime.Add(-PrepBuffer), a.EndTime()
}

type SubscriptionRequest struct {
	ID                 string
	OwnerID            string
	Tier               Tier
	PaymentStatus      PaymentStatus
	ProcessorSessionID string
	PeriodStart        time.Time
	PeriodEnd          time.Time
	PaidAt             *time.Time
	CreatedAt          time.Time
}

// PaymentState is the slice of a record the reconciliation paths operate on.
type PaymentState struct {
	Status    PaymentStatus
	SessionID string
}

// ProviderEvent is a verified payment-processor event recorded for
// idempotent handling. (Provider, EventID) is unique.
type ProviderEvent struct {
	Provider  string
	EventID   string
	EventType string
	Payload   []byte
}

// ApplyResult reports what a transactional paid-event application did.
type ApplyResult int

const (
	ApplyTransitioned ApplyResult = iota
	ApplyAlreadyPaid
	ApplyDuplicateEvent
)
