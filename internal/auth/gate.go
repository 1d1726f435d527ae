package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/glitchtip/backend/internal/cachekv"
)

// ErrInvalidDSN maps to 403. The verdict is cached so repeated bad clients
// never reach the database.
var ErrInvalidDSN = errors.New("auth: invalid DSN")

// ThrottleError maps to 429 with a Retry-After header.
type ThrottleError struct {
	RetryAfter int // seconds
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("auth: throttled, retry after %ds", e.RetryAfter)
}

// fullThrottleRetryAfter is the Retry-After for orgs that are fully
// throttled or not accepting events.
const fullThrottleRetryAfter = 600

// ProjectInfo is the single-round-trip project lookup result.
type ProjectInfo struct {
	ProjectID       int64
	OrganizationID  int64
	ScrubIP         bool // project flag OR org flag
	ProjectThrottle int  // 0-100
	OrgThrottle     int  // 0-100
	OrgAccepting    bool
	FirstEvent      *time.Time
}

// ProjectResolver loads project metadata for a (project id, public key)
// pair. Implemented by the store.
type ProjectResolver interface {
	ResolveDSN(ctx context.Context, projectID int64, publicKey string) (*ProjectInfo, error)
}

// ErrProjectNotFound is returned by resolvers for unknown keys.
var ErrProjectNotFound = errors.New("auth: project not found")

// Gate is the auth/throttle gate in front of the ingest endpoints. Verdicts
// are cached per project id in the cache tier with a short TTL so the hot
// path costs one cache get for blocked traffic.
type Gate struct {
	cache    cachekv.Cache
	resolver ProjectResolver
	ttl      time.Duration

	// auditSampleRate N enqueues a plan re-evaluation with probability 1/N.
	auditSampleRate int
	auditFn         func(orgID int64)

	mu  sync.Mutex
	rng *rand.Rand

	logger *slog.Logger
}

// NewGate wires the gate. auditFn may be nil when billing is disabled.
func NewGate(cache cachekv.Cache, resolver ProjectResolver, ttl time.Duration, auditSampleRate int, auditFn func(orgID int64)) *Gate {
	if auditSampleRate <= 0 {
		auditSampleRate = 5000
	}
	return &Gate{
		cache:           cache,
		resolver:        resolver,
		ttl:             ttl,
		auditSampleRate: auditSampleRate,
		auditFn:         auditFn,
		rng:             rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:          slog.With("component", "auth_gate"),
	}
}

// Check resolves and authorizes one ingest request. On success it returns
// the project info; otherwise ErrInvalidDSN or *ThrottleError.
func (g *Gate) Check(ctx context.Context, projectID int64, publicKey string) (*ProjectInfo, error) {
	blockKey := cachekv.KeyBlockPrefix + strconv.FormatInt(projectID, 10)

	// 1. Block cache short-circuit.
	if code, ok, err := g.cache.Get(ctx, blockKey); err == nil && ok {
		switch {
		case code == "v":
			return nil, ErrInvalidDSN
		case strings.HasPrefix(code, "t:"):
			return nil, &ThrottleError{RetryAfter: retryAfterFromCode(code)}
		}
	}

	// 2. Single project lookup round trip.
	info, err := g.resolver.ResolveDSN(ctx, projectID, publicKey)
	if err != nil {
		if errors.Is(err, ErrProjectNotFound) {
			g.setBlock(ctx, blockKey, "v")
			return nil, ErrInvalidDSN
		}
		return nil, fmt.Errorf("resolve dsn: %w", err)
	}

	// 3. Throttle decision.
	maxPct := info.OrgThrottle
	if info.ProjectThrottle > maxPct {
		maxPct = info.ProjectThrottle
	}

	if !info.OrgAccepting || maxPct >= 100 {
		// Cache as fully throttled even when the org is merely not
		// accepting events, so the cached verdict reproduces the 600 s
		// Retry-After.
		g.setBlock(ctx, blockKey, throttleCode(100, 100))
		return nil, &ThrottleError{RetryAfter: fullThrottleRetryAfter}
	}

	if maxPct > 0 && g.roll(100) < maxPct {
		code := throttleCode(info.OrgThrottle, info.ProjectThrottle)
		g.setBlock(ctx, blockKey, code)
		return nil, &ThrottleError{RetryAfter: retryAfterSeconds(maxPct)}
	}

	// 4. Periodic plan audit.
	if g.auditFn != nil && g.roll(g.auditSampleRate) == 0 {
		g.auditFn(info.OrganizationID)
	}

	return info, nil
}

func (g *Gate) setBlock(ctx context.Context, key, code string) {
	if err := g.cache.SetTTL(ctx, key, code, g.ttl); err != nil {
		g.logger.Warn("block cache write failed", "key", key, "error", err)
	}
}

func (g *Gate) roll(n int) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rng.Intn(n)
}

// retryAfterSeconds implements ceil(0.02 * pct^2.3) for partial throttles.
func retryAfterSeconds(pct int) int {
	return int(math.Ceil(0.02 * math.Pow(float64(pct), 2.3)))
}

func throttleCode(orgPct, projPct int) string {
	return fmt.Sprintf("t:%d:%d", orgPct, projPct)
}

// retryAfterFromCode recomputes Retry-After from a cached throttle code.
func retryAfterFromCode(code string) int {
	parts := strings.Split(code, ":")
	if len(parts) != 3 {
		return fullThrottleRetryAfter
	}
	orgPct, _ := strconv.Atoi(parts[1])
	projPct, _ := strconv.Atoi(parts[2])
	maxPct := orgPct
	if projPct > maxPct {
		maxPct = projPct
	}
	if maxPct >= 100 {
		return fullThrottleRetryAfter
	}
	return retryAfterSeconds(maxPct)
}
