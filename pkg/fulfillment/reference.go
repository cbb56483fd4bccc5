package fulfillment

import (
	"crypto/rand"
	"encoding/binary"
	"strings"
	"sync"
	"time"
)

// Reference codes are short, human-facing identifiers distinct from internal
// database ids: NF-XXXXXXXX for client requests, PAY-XXXXXXXX for payments.
// The 8-character code is Crockford base32 over 40 bits: 20 bits of
// wall-clock seconds plus a 20-bit entropy field seeded from crypto/rand each
// second and incremented within the same second, so tight-loop generation
// stays pairwise unique.

const (
	crockfordAlphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

	requestRefPrefix = "NF-"
	paymentRefPrefix = "PAY-"
)

// ReferenceGenerator produces collision-free reference codes. Safe for
// concurrent use.
type ReferenceGenerator struct {
	mu      sync.Mutex
	lastSec int64
	entropy uint32
	now     func() time.Time
}

// NewReferenceGenerator creates a generator using wall-clock time.
func NewReferenceGenerator() *ReferenceGenerator {
	return &ReferenceGenerator{now: time.Now}
}

// NewRequestReference returns a fresh NF- request reference.
func (g *ReferenceGenerator) NewRequestReference() string {
	return requestRefPrefix + g.nextCode()
}

// NewPaymentReference returns a fresh PAY- payment reference.
func (g *ReferenceGenerator) NewPaymentReference() string {
	return paymentRefPrefix + g.nextCode()
}

func (g *ReferenceGenerator) nextCode() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	sec := g.now().UTC().Unix()
	if sec != g.lastSec {
		g.lastSec = sec
		g.entropy = randomEntropy()
	} else {
		// Same second: step the entropy field instead of redrawing, which
		// keeps codes unique even under tight-loop generation.
		g.entropy = (g.entropy + 1) & 0xFFFFF
	}

	value := uint64(sec&0xFFFFF)<<20 | uint64(g.entropy)
	return encodeCrockford40(value)
}

func randomEntropy() uint32 {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failing is effectively unrecoverable; fall back to a
		// zero seed and rely on the monotonic step.
		return 0
	}
	return binary.BigEndian.Uint32(buf[:]) & 0xFFFFF
}

// encodeCrockford40 encodes the low 40 bits as 8 Crockford base32 characters.
func encodeCrockford40(value uint64) string {
	var sb strings.Builder
	sb.Grow(8)
	for shift := 35; shift >= 0; shift -= 5 {
		sb.WriteByte(crockfordAlphabet[(value>>uint(shift))&0x1F])
	}
	return sb.String()
}

// IsRequestReference reports whether a string looks like an NF- request
// reference, used when validating processor metadata.
func IsRequestReference(ref string) bool {
	if !strings.HasPrefix(ref, requestRefPrefix) {
		return false
	}
	code := strings.TrimPrefix(ref, requestRefPrefix)
	if len(code) != 8 {
		return false
	}
	for i := 0; i < len(code); i++ {
		if !strings.ContainsRune(crockfordAlphabet, rune(code[i])) {
			return false
		}
	}
	return true
}
