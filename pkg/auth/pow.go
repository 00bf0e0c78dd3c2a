package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"math/bits"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/google/uuid"
)

// ErrChallengeReplayed marks a challenge that already passed verification
// once. Handlers answer it differently from a failed proof.
var ErrChallengeReplayed = errors.New("auth: challenge already used")

// ChallengeTTL is how long an issued challenge may be solved.
const ChallengeTTL = 60 * time.Second

// replayPruneTrigger bounds the replay map: once it grows past this size,
// expired entries are dropped on the next use.
const replayPruneTrigger = 1024

// newReplayFilter sizes the bloom filter that fronts the replay map. Sized
// well past the prune trigger so the false positive rate stays low between
// prunes.
func newReplayFilter() *bloom.BloomFilter {
	return bloom.NewWithEstimates(8*replayPruneTrigger, 0.01)
}

// PowGate issues and verifies proof-of-work challenges. The signing key is
// process-ephemeral: restarting the server invalidates outstanding
// challenges, which is acceptable because their TTL is one minute.
type PowGate struct {
	difficulty int
	key        []byte

	mu   sync.Mutex
	used map[string]time.Time // challenge -> expiry, one-shot replay guard
	seen *bloom.BloomFilter   // fast negative check in front of used
	now  func() time.Time
}

// NewPowGate creates a gate with the given difficulty in leading zero bits.
func NewPowGate(difficulty int) (*PowGate, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("auth: failed to generate pow key: %w", err)
	}
	return &PowGate{
		difficulty: difficulty,
		key:        key,
		used:       make(map[string]time.Time),
		seen:       newReplayFilter(),
		now:        time.Now,
	}, nil
}

// Difficulty returns the configured difficulty in bits.
func (g *PowGate) Difficulty() int {
	return g.difficulty
}

// Issue creates a fresh challenge string "<unixSeconds>:<uuid>:<signature>".
func (g *PowGate) Issue() string {
	body := fmt.Sprintf("%d:%s", g.now().Unix(), uuid.NewString())
	return body + ":" + g.sign(body)
}

// Verify checks signature, TTL, one-shot use and the proof of work. A
// challenge that verifies once is burned for the rest of its TTL.
func (g *PowGate) Verify(challenge, nonce string) error {
	parts := strings.SplitN(challenge, ":", 3)
	if len(parts) != 3 {
		return fmt.Errorf("auth: malformed challenge")
	}

	body := parts[0] + ":" + parts[1]
	if !hmac.Equal([]byte(g.sign(body)), []byte(parts[2])) {
		return fmt.Errorf("auth: challenge signature mismatch")
	}

	issued, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return fmt.Errorf("auth: malformed challenge timestamp")
	}
	now := g.now()
	expiry := time.Unix(issued, 0).Add(ChallengeTTL)
	if now.After(expiry) {
		return fmt.Errorf("auth: challenge expired")
	}

	if !hasLeadingZeroBits(sha256.Sum256([]byte(challenge+nonce)), g.difficulty) {
		return fmt.Errorf("auth: proof of work not satisfied")
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	// The filter answers "definitely fresh" without touching the map; only
	// filter hits fall through to the exact check.
	if g.seen.TestString(challenge) {
		if _, burned := g.used[challenge]; burned {
			return ErrChallengeReplayed
		}
	}
	g.seen.AddString(challenge)
	g.used[challenge] = expiry
	if len(g.used) > replayPruneTrigger {
		for c, exp := range g.used {
			if now.After(exp) {
				delete(g.used, c)
			}
		}
		// The filter cannot delete, so rebuild it from the survivors.
		g.seen.ClearAll()
		for c := range g.used {
			g.seen.AddString(c)
		}
	}
	return nil
}

func (g *PowGate) sign(body string) string {
	mac := hmac.New(sha256.New, g.key)
	mac.Write([]byte(body))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func hasLeadingZeroBits(digest [32]byte, n int) bool {
	remaining := n
	for _, b := range digest {
		if remaining <= 0 {
			return true
		}
		zeros := bits.LeadingZeros8(b)
		if zeros < remaining && zeros < 8 {
			return false
		}
		if remaining <= 8 {
			return zeros >= remaining
		}
		if b != 0 {
			return false
		}
		remaining -= 8
	}
	return remaining <= 0
}
