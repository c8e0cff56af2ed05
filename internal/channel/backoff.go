package channel

import "time"

// Backoff yields exponentially increasing reconnect delays, doubling from
// Initial and capped at Max. The zero value is not usable.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration

	next time.Duration
}

// Next returns the delay before the next attempt.
func (b *Backoff) Next() time.Duration {
	if b.next == 0 {
		b.next = b.Initial
	}
	d := b.next
	if b.next < b.Max {
		b.next *= 2
		if b.next > b.Max {
			b.next = b.Max
		}
	}
	return d
}

// Reset starts the sequence again from Initial.
func (b *Backoff) Reset() {
	b.next = 0
}
