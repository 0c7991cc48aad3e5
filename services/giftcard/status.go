package giftcard

type Status string

const (
	StatusPending       Status = "pending"
	StatusActive        Status = "active"
	StatusRedeemedEmpty Status = "redeemed_empty"
	StatusExpired       Status = "expired"
	StatusCancelled     Status = "cancelled"
)

// transitions enumerates every legal status change. Anything missing is illegal.
// redeemed_empty -> active is reserved for refunds.
var transitions = map[Status][]Status{
	StatusPending:       {StatusActive, StatusCancelled},
	StatusActive:        {StatusRedeemedEmpty, StatusExpired, StatusCancelled},
	StatusRedeemedEmpty: {StatusActive, StatusExpired},
	StatusExpired:       {},
	StatusCancelled:     {},
}

func (s Status) CanTransition(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}
