// ratelimit.go paces REST calls per Binance endpoint category.
//
// Binance USD-M futures enforces a request-weight budget of 2400/min plus
// an order budget of 300 orders per 10 seconds. Three limiters keep the
// bot well inside both: order placement, cancels, and everything else
// (queries). Callers block in Wait() before each request.
package exchange

import "golang.org/x/time/rate"

// RateLimiter groups limiters by endpoint category.
type RateLimiter struct {
	Order  *rate.Limiter // POST /fapi/v1/order, /fapi/v1/algoOrder
	Cancel *rate.Limiter // DELETE /fapi/v1/order, /fapi/v1/algoOrder
	Query  *rate.Limiter // everything else
}

// NewRateLimiter creates limiters tuned well below the published budgets.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Order:  rate.NewLimiter(10, 30), // 300 orders / 10s ceiling
		Cancel: rate.NewLimiter(10, 30),
		Query:  rate.NewLimiter(20, 40), // 2400 weight / min ceiling
	}
}
