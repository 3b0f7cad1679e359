package subscription

type Status string

const (
	StatusFree     Status = "free"
	StatusTrialing Status = "trialing"
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
	StatusUnpaid   Status = "unpaid"
)

// ParseStatus maps billing provider status strings onto Status. Anything
// the metering layer does not model (incomplete, paused, ...) is unpaid.
func ParseStatus(s string) Status {
	switch Status(s) {
	case StatusFree, StatusTrialing, StatusActive, StatusPastDue, StatusCanceled, StatusUnpaid:
		return Status(s)
	case "cancelled":
		return StatusCanceled
	}
	return StatusUnpaid
}
