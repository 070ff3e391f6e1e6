package mgmt

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	tollbooth "github.com/didip/tollbooth/v7"
	"github.com/didip/tollbooth/v7/limiter"
	"gopkg.in/yaml.v3"
)

// ThrottleConfig sets per-client rate limiting of the api routes
type ThrottleConfig struct {
	Enabled bool    `yaml:"enabled"`
	RPS     float64 `yaml:"rps"`
	Burst   int     `yaml:"burst"`
}

// DefaultThrottleConfig applies when no limits file is given
func DefaultThrottleConfig() ThrottleConfig {
	return ThrottleConfig{Enabled: true, RPS: 50, Burst: 100}
}

// LoadThrottleConfig reads and validates a yaml limits file
func LoadThrottleConfig(path string) (ThrottleConfig, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return ThrottleConfig{}, fmt.Errorf("failed to read limits file: %w", err)
	}
	var res ThrottleConfig
	if err := yaml.Unmarshal(b, &res); err != nil {
		return ThrottleConfig{}, fmt.Errorf("failed to parse limits file: %w", err)
	}
	if err := res.Validate(); err != nil {
		return ThrottleConfig{}, fmt.Errorf("limits file %s: %w", path, err)
	}
	return res, nil
}

// Validate rejects configs the limiter can't run with
func (c ThrottleConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.RPS <= 0 {
		return fmt.Errorf("throttle rps has to be positive, got %v", c.RPS)
	}
	if c.Burst < 1 {
		return fmt.Errorf("throttle burst has to be at least 1, got %d", c.Burst)
	}
	return nil
}

// Throttler rate limits api calls per client with a tollbooth limiter
type Throttler struct {
	limiter *limiter.Limiter
}

// NewThrottler makes a throttler for the config, disabled config makes a
// pass-through one
func NewThrottler(cfg ThrottleConfig) *Throttler {
	if !cfg.Enabled {
		return &Throttler{}
	}
	lmt := tollbooth.NewLimiter(cfg.RPS, &limiter.ExpirableOptions{DefaultExpirationTTL: time.Hour}).
		SetBurst(cfg.Burst).
		SetIPLookups([]string{"RemoteAddr", "X-Forwarded-For", "X-Real-IP"}).
		SetStatusCode(http.StatusTooManyRequests).
		SetMessage("Request rate limit exceeded, please retry later").
		SetMessageContentType("text/plain")
	return &Throttler{limiter: lmt}
}

// Middleware counts api requests against the limiter and rejects the excess.
// The placeholder, metrics and health are never throttled.
func (t *Throttler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if t == nil || t.limiter == nil || !strings.HasPrefix(r.URL.Path, "/api/v1") {
			next.ServeHTTP(w, r)
			return
		}

		if httpError := tollbooth.LimitByRequest(t.limiter, w, r); httpError != nil {
			t.limiter.ExecOnLimitReached(w, r)
			w.Header().Add("Content-Type", t.limiter.GetMessageContentType())
			w.WriteHeader(httpError.StatusCode)
			_, _ = w.Write([]byte(httpError.Message))
			return
		}

		next.ServeHTTP(w, r)
	})
}
