package middleware

import (
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/time/rate"

	"invox/utils"
)

// RateLimiter allows requests per duration for each client IP. Clients idle
// for ten minutes are forgotten; closing stop ends the cleanup goroutine.
func RateLimiter(requests int, duration time.Duration, stop <-chan struct{}) fiber.Handler {
	type client struct {
		limiter  *rate.Limiter
		lastSeen time.Time
	}

	var (
		clients = make(map[string]*client)
		mu      sync.Mutex
	)

	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
			mu.Lock()
			for ip, c := range clients {
				if time.Since(c.lastSeen) > 10*time.Minute {
					delete(clients, ip)
				}
			}
			mu.Unlock()
		}
	}()

	return func(c *fiber.Ctx) error {
		ip := c.IP()

		mu.Lock()
		cl, exists := clients[ip]
		if !exists {
			limiter := rate.NewLimiter(rate.Every(duration/time.Duration(requests)), requests)
			cl = &client{limiter: limiter}
			clients[ip] = cl
		}
		cl.lastSeen = time.Now()
		mu.Unlock()

		if !cl.limiter.Allow() {
			loc, _ := c.Locals("localizer").(*i18n.Localizer)
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": utils.T(loc, "rate_limited"),
			})
		}

		return c.Next()
	}
}
