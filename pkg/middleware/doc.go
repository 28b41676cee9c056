// Package middleware rate limits the ingestion endpoint per client IP.
//
// Two Limiter implementations are provided. RateLimiter is an in-process
// token bucket and the default. DistributedRateLimiter keeps a fixed-window
// counter in Redis and is used when several instances sit behind one load
// balancer:
//
//	limiter := middleware.NewRateLimiter(middleware.DefaultRateLimitConfig())
//	rl := middleware.NewRateLimitMiddleware(limiter, 600, metrics, logger)
//	router.Handle("/track", rl.Handler(trackHandler))
//
// Rejected requests get 429 with a Retry-After header. When the limiter
// itself fails (Redis down) the request is let through.
package middleware
