package peer

import (
	"math/rand"
)

// ConnLimit bounds the number of peers a session connects to. Each session
// picks its bound at random from [Base, Base+Jitter], so that peers don't
// all settle into one fully connected cluster.
type ConnLimit struct {
	Base   int `json:"base"`
	Jitter int `json:"jitter"`
}

// DefaultConnLimit picks a bound between 20 and 34.
var DefaultConnLimit = ConnLimit{Base: 20, Jitter: 14}

// Pick returns a bound in [Base, Base+Jitter].
func (l ConnLimit) Pick(r *rand.Rand) int {
	if l.Jitter <= 0 {
		return l.Base
	}
	return l.Base + r.Intn(l.Jitter+1)
}
