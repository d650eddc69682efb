package validation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/gosight/bugscout/internal/storage"
)

// ErrInvalidAPIKey is returned when no project owns the credential.
var ErrInvalidAPIKey = errors.New("invalid API key")

// ProjectLookup resolves a credential to its project.
type ProjectLookup interface {
	ProjectByAPIKey(ctx context.Context, apiKey string) (storage.Project, error)
}

type Validator struct {
	projects  ProjectLookup
	redis     *redis.Client
	apiKeyTTL time.Duration
	rps       int
}

// NewValidator builds a validator. rdb may be nil, in which case every
// credential check hits the store and rate limiting is off.
func NewValidator(projects ProjectLookup, rdb *redis.Client, apiKeyTTL time.Duration, requestsPerSecond int) *Validator {
	return &Validator{
		projects:  projects,
		redis:     rdb,
		apiKeyTTL: apiKeyTTL,
		rps:       requestsPerSecond,
	}
}

// ValidateAPIKey returns the id of the project owning apiKey.
// Unknown keys yield ErrInvalidAPIKey; store failures are returned as is.
func (v *Validator) ValidateAPIKey(ctx context.Context, apiKey string) (int64, error) {
	if apiKey == "" {
		return 0, ErrInvalidAPIKey
	}

	// Cache keys are hashed so raw credentials never land in Redis
	hash := sha256.Sum256([]byte(apiKey))
	cacheKey := "apikey:" + hex.EncodeToString(hash[:])

	// Check cache first
	if v.redis != nil {
		cached, err := v.redis.Get(ctx, cacheKey).Result()
		if err == nil {
			if id, err := strconv.ParseInt(cached, 10, 64); err == nil {
				return id, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			log.Warn().Err(err).Msg("API key cache lookup failed")
		}
	}

	project, err := v.projects.ProjectByAPIKey(ctx, apiKey)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, ErrInvalidAPIKey
	}
	if err != nil {
		return 0, err
	}

	if v.redis != nil {
		if err := v.redis.Set(ctx, cacheKey, strconv.FormatInt(project.ID, 10), v.apiKeyTTL).Err(); err != nil {
			log.Warn().Err(err).Msg("Failed to cache API key")
		}
	}

	return project.ID, nil
}

// CheckRateLimit applies a fixed one-second window per project. It allows
// the request when Redis is absent, unreachable, or no limit is set.
func (v *Validator) CheckRateLimit(ctx context.Context, projectID int64) bool {
	if v.redis == nil || v.rps <= 0 {
		return true
	}

	key := "ratelimit:" + strconv.FormatInt(projectID, 10)

	// Increment counter
	count, err := v.redis.Incr(ctx, key).Result()
	if err != nil {
		return true // Allow on error
	}

	// Set expiry on first request
	if count == 1 {
		v.redis.Expire(ctx, key, time.Second)
	}

	return count <= int64(v.rps)
}
