package switchgear

import (
	"fmt"
	"net"
	"net/http"
	"regexp"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimit defines a per-endpoint rate limit using a token bucket.
// Requests allowed per time window with optional burst, tracked per
// client IP.
// Example YAML:
//
//	ratelimits:
//	  - pathregex: '^/offers/.*/invoice$'
//	    requests: 5
//	    per: 1s
//	    burst: 5
//
// If burst is 0, it defaults to requests.
// If per is 0, it defaults to 1s.
// Note: All limits are in-memory and per-process.
type RateLimit struct {
	PathRegexp string        `long:"pathregex" description:"Regular expression to match the path of the URL against for rate limiting" yaml:"pathregex"`
	Requests   int           `long:"requests" description:"Number of requests allowed per time window" yaml:"requests"`
	Per        time.Duration `long:"per" description:"Size of the time window (e.g., 1s, 1m)" yaml:"per"`
	Burst      int           `long:"burst" description:"Burst size allowed in addition to steady rate" yaml:"burst"`

	// compiled is internal state prepared at startup.
	compiled *compiledRateLimit
}

type compiledRateLimit struct {
	// protects the ipLimiters map.
	sync.Mutex

	// re is the regular expression used to match the path of the URL.
	re *regexp.Regexp

	// global limiter is used when no client IP can be derived.
	limiter *rate.Limiter

	// limit is the steady rate applied per client IP.
	limit rate.Limit

	// burst is the burst size allowed in addition to steady rate.
	burst int

	// ipLimiters is a map of per-client-IP limiters.
	ipLimiters map[string]*rate.Limiter
}

// compile prepares the regular expression and the limiter.
func (r *RateLimit) compile() error {
	per := r.Per
	if per == 0 {
		per = time.Second
	}
	requests := r.Requests
	if requests <= 0 {
		requests = 1
	}
	burst := r.Burst
	if burst <= 0 {
		burst = requests
	}

	re, err := regexp.Compile(r.PathRegexp)
	if err != nil {
		return err
	}

	// rate.Every(per/requests) creates an average rate of requests
	// per 'per'.
	limit := rate.Every(per / time.Duration(requests))
	lim := rate.NewLimiter(limit, burst)
	r.compiled = &compiledRateLimit{
		re:         re,
		limiter:    lim,
		limit:      limit,
		burst:      burst,
		ipLimiters: make(map[string]*rate.Limiter),
	}

	return nil
}

// allowFor returns true if the rate limit permits an event now for the given
// key. If the key is empty, the global limiter is used.
func (c *compiledRateLimit) allowFor(key string) bool {
	if key == "" {
		return c.limiter.Allow()
	}
	l := c.getOrCreate(key)

	return l.Allow()
}

// reserveDelay reserves a token on the limiter for the given key and returns
// the suggested delay. Callers can use the delay to set Retry-After without
// consuming tokens.
func (c *compiledRateLimit) reserveDelay(key string) (time.Duration, bool) {
	var l *rate.Limiter
	if key == "" {
		l = c.limiter
	} else {
		l = c.getOrCreate(key)
	}

	res := l.Reserve()
	if !res.OK() {
		return 0, false
	}

	delay := res.Delay()
	res.CancelAt(time.Now())

	return delay, true
}

func (c *compiledRateLimit) getOrCreate(key string) *rate.Limiter {
	c.Lock()
	defer c.Unlock()

	if l, ok := c.ipLimiters[key]; ok {
		return l
	}

	l := rate.NewLimiter(c.limit, c.burst)
	c.ipLimiters[key] = l

	return l
}

// clientIP derives the limiter key from the request's remote address.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return ""
	}

	return host
}

// rateLimitHandler wraps the given handler with the configured rate
// limits. Requests whose path matches a limit and whose client bucket
// is empty get a 429 with a Retry-After hint.
func rateLimitHandler(limits []*RateLimit,
	next http.Handler) http.Handler {

	if len(limits) == 0 {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter,
		r *http.Request) {

		key := clientIP(r)
		for _, limit := range limits {
			c := limit.compiled
			if !c.re.MatchString(r.URL.Path) {
				continue
			}

			if c.allowFor(key) {
				continue
			}

			if delay, ok := c.reserveDelay(key); ok {
				seconds := int(delay.Seconds()) + 1
				w.Header().Set(
					"Retry-After",
					fmt.Sprintf("%d", seconds),
				)
			}

			log.Debugf("Rate limited %v %v for client %v",
				r.Method, r.URL.Path, key)
			http.Error(
				w, "too many requests",
				http.StatusTooManyRequests,
			)

			return
		}

		next.ServeHTTP(w, r)
	})
}
