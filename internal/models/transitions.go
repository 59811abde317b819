package models

// Status moves forward only: a notification never returns to pending from a
// terminal state. A retry re-marks the row in place (pending stays pending,
// partially delivered stays sent) while next_attempt_at moves. Expiry
// retires both pending and partially delivered rows.
var transitionMap = map[string][]string{
	StatusPending:      {StatusPending},
	StatusSent:         {StatusPending, StatusSent},
	StatusDelivered:    {StatusPending, StatusSent},
	StatusDeadLettered: {StatusPending, StatusSent},
	StatusCancelled:    {StatusPending},
	StatusExpired:      {StatusPending, StatusSent},
}

func ValidTransition(from, to string) bool {
	allowed, ok := transitionMap[to]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == from {
			return true
		}
	}
	return false
}

// TransitionSources lists the statuses a row may currently hold for an
// update that sets it to the given status. Store updates guard on this set
// so a concurrent writer can never move a row out of a terminal state.
func TransitionSources(to string) []string {
	return append([]string(nil), transitionMap[to]...)
}

func TerminalStatus(status string) bool {
	switch status {
	case StatusDelivered, StatusDeadLettered, StatusCancelled, StatusExpired:
		return true
	}
	return false
}
