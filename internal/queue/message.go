package queue

import "time"

// Receipt acknowledges that a message was validated and scheduled. It says
// nothing about delivery.
type Receipt struct {
	ID         string    `json:"id"`
	AcceptedAt time.Time `json:"acceptedAt"`
}
