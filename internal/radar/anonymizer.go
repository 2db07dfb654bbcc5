package radar

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/nirbhaya/internal/clock"
)

// KeyRotator hands out one master key per rotation epoch. With a seed the
// keys are derived from it, so every instance sharing the seed agrees;
// without one they are random and live only in this process.
type KeyRotator struct {
	mu     sync.Mutex
	period time.Duration
	seed   []byte
	clock  clock.Clock
	keys   map[int64][]byte
}

// NewKeyRotator creates a rotator. A non-positive period means daily.
func NewKeyRotator(period time.Duration, seed []byte, clk clock.Clock) *KeyRotator {
	if period <= 0 {
		period = DefaultKeyRotation
	}
	return &KeyRotator{
		period: period,
		seed:   seed,
		clock:  clk,
		keys:   make(map[int64][]byte),
	}
}

// Epoch returns the rotation epoch containing t.
func (r *KeyRotator) Epoch(t time.Time) int64 {
	return t.UnixNano() / int64(r.period)
}

func (r *KeyRotator) masterKey(epoch int64) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if k, ok := r.keys[epoch]; ok {
		return k
	}
	var k []byte
	if len(r.seed) > 0 {
		k = mac(r.seed, "epoch:"+strconv.FormatInt(epoch, 10))
	} else {
		k = make([]byte, 32)
		if _, err := rand.Read(k); err != nil {
			panic("radar: crypto/rand failed: " + err.Error())
		}
	}
	r.keys[epoch] = k
	for e := range r.keys {
		if e < epoch-1 {
			delete(r.keys, e)
		}
	}
	return k
}

// SessionAnonymizer derives the anonymizer for a session activated now.
// The secret is fixed at activation, so ids stay stable for the whole
// session even across a rotation.
func (r *KeyRotator) SessionAnonymizer(geofenceID string) Anonymizer {
	epoch := r.Epoch(r.clock.Now())
	return Anonymizer{secret: mac(r.masterKey(epoch), geofenceID), epoch: epoch}
}

// Anonymizer maps entity ids to opaque per-session ids.
type Anonymizer struct {
	secret []byte
	epoch  int64
}

// ID returns the anonymous id of entityID. The mapping is one-way without
// the session secret.
func (a Anonymizer) ID(entityID string) string {
	return "anon_" + hex.EncodeToString(mac(a.secret, entityID)[:12])
}

// Epoch is the key epoch the session secret came from.
func (a Anonymizer) Epoch() int64 { return a.epoch }

func mac(key []byte, msg string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(msg))
	return h.Sum(nil)
}
