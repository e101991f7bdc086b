package wire

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	idPrefix = "ws_"
	// suffixLen base36 digits give 36^8 ≈ 2.8e12 values per millisecond.
	suffixLen = 8
	maxSuffix = int64(2821109907456) // 36^8
	// maxStep bounds the random increment within one millisecond so that the suffix
	// space is not exhausted by a burst.
	maxStep = 1 << 20
)

// IDGenerator creates request ids of the form ws_<millis>_<base36>.
// Ids from one generator are unique and lexicographically non-decreasing in generation order:
// the millisecond part is zero-padded, and within a millisecond the suffix increases by a random step.
type IDGenerator struct {
	now func() time.Time

	mu         sync.Mutex
	rand       *rand.Rand
	lastMillis int64
	lastSuffix int64
}

func NewIDGenerator() *IDGenerator {
	return NewIDGeneratorWithClock(time.Now)
}

func NewIDGeneratorWithClock(now func() time.Time) *IDGenerator {
	return &IDGenerator{
		now:  now,
		rand: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns a new id.
func (g *IDGenerator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	millis := g.now().UnixMilli()
	if millis < g.lastMillis {
		// never go backwards, even if the wall clock does
		millis = g.lastMillis
	}

	var suffix int64
	if millis == g.lastMillis {
		suffix = g.lastSuffix + 1 + g.rand.Int63n(maxStep)
		if suffix >= maxSuffix {
			millis++
			suffix = g.rand.Int63n(maxSuffix / 2)
		}
	} else {
		suffix = g.rand.Int63n(maxSuffix / 2)
	}
	g.lastMillis = millis
	g.lastSuffix = suffix

	s := strconv.FormatInt(suffix, 36)
	return fmt.Sprintf("%s%013d_%s%s", idPrefix, millis, strings.Repeat("0", suffixLen-len(s)), s)
}
