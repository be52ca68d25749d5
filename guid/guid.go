package guid

import (
	"fmt"
	"math/rand"
	"time"
)

func init() {
	rand.Seed(time.Now().UnixNano())
}

// NewRunID returns an identifier for a deploy run: a UTC timestamp
// prefix so artifact directories sort chronologically, plus a random
// suffix so concurrent invocations can never collide.
func NewRunID() string {
	b := make([]byte, 4)
	rand.Read(b)
	return fmt.Sprintf("%s-%x", time.Now().UTC().Format("20060102T150405"), b)
}
