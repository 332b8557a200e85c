package controllers

import (
	"math"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/InboxGate/app/repository"
	"github.com/ManuelReschke/InboxGate/internal/pkg/clientcontext"
	"github.com/ManuelReschke/InboxGate/internal/pkg/registration"
)

const (
	defaultClientPageSize = 20
	defaultAuditPageSize  = 50
)

// Pagination is returned alongside every paginated listing.
type Pagination struct {
	Page  int   `json:"page"`
	Limit int   `json:"limit"`
	Total int64 `json:"total"`
	Pages int   `json:"pages"`
}

// parsePage reads page/limit query values, clamping page to >= 1 and limit to 1..MaxPageSize.
func parsePage(c *fiber.Ctx, defaultLimit int) (page, limit, offset int) {
	page = c.QueryInt("page", 1)
	if page < 1 {
		page = 1
	}
	limit = c.QueryInt("limit", defaultLimit)
	if limit < 1 {
		limit = defaultLimit
	}
	if limit > repository.MaxPageSize {
		limit = repository.MaxPageSize
	}
	return page, limit, (page - 1) * limit
}

func newPagination(page, limit int, total int64) Pagination {
	return Pagination{
		Page:  page,
		Limit: limit,
		Total: total,
		Pages: int(math.Ceil(float64(total) / float64(limit))),
	}
}

func requestMeta(c *fiber.Ctx) registration.RequestMeta {
	return registration.RequestMeta{
		IPAddress: GetClientIP(c),
		UserAgent: c.Get(fiber.HeaderUserAgent),
		ActorID:   clientcontext.ClientID(c),
	}
}

// GetClientIP determines the caller's address, preferring proxy headers.
func GetClientIP(c *fiber.Ctx) string {
	// Cloudflare provides the original client IP in this header
	if ip := strings.TrimSpace(c.Get("CF-Connecting-IP")); ip != "" {
		return ip
	}

	// X-Forwarded-For can contain a list of IPs - the first one is the original client IP
	if xff := c.Get(fiber.HeaderXForwardedFor); xff != "" {
		if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
			return ip
		}
	}

	if ip := strings.TrimSpace(c.Get("X-Real-IP")); ip != "" {
		return ip
	}

	// IPv4-mapped IPv6 (::ffff:192.168.1.1)
	return strings.TrimPrefix(c.IP(), "::ffff:")
}
