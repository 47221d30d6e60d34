package server

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/railtab/internal/observability/context"
	"github.com/smallbiznis/railtab/internal/orgcontext"
)

const (
	HeaderOrg  = "X-Org-Id"
	HeaderUser = "X-User-Id"
)

// TenantContext resolves the organization and acting user from request
// headers. Session handling lives in front of this service.
func (s *Server) TenantContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID, err := snowflake.ParseString(strings.TrimSpace(c.GetHeader(HeaderOrg)))
		if err != nil || orgID <= 0 {
			AbortWithError(c, ErrOrgRequired)
			return
		}

		ctx := orgcontext.WithOrgID(c.Request.Context(), orgID)
		ctx = obscontext.WithOrgID(ctx, orgID.String())
		if userID := strings.TrimSpace(c.GetHeader(HeaderUser)); userID != "" {
			ctx = orgcontext.WithUserID(ctx, userID)
			ctx = obscontext.WithActor(ctx, "user", userID)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RateLimit spends one token from the organization's bucket for endpoint.
func (s *Server) RateLimit(endpoint string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Enabled() {
			c.Next()
			return
		}
		orgID, ok := orgcontext.OrgIDFromContext(c.Request.Context())
		if !ok {
			AbortWithError(c, ErrOrgRequired)
			return
		}

		res := s.limiter.Allow(c.Request.Context(), orgID.String(), endpoint)
		c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		if !res.Allowed {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(res.RetryAfter.Seconds()))))
			AbortWithError(c, ErrRateLimited)
			return
		}
		c.Next()
	}
}

func orgIDFromRequest(c *gin.Context) snowflake.ID {
	orgID, _ := orgcontext.OrgIDFromContext(c.Request.Context())
	return orgID
}

func userIDFromRequest(c *gin.Context) string {
	userID, _ := orgcontext.UserIDFromContext(c.Request.Context())
	return userID
}

func parseIDParam(c *gin.Context, name string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(c.Param(name)))
	if err != nil || id <= 0 {
		return 0, newValidationError(name, "invalid_"+name, "invalid "+name)
	}
	return id, nil
}

// bodyID is a snowflake id in a request body. Clients may send it as a JSON
// string or a JSON number.
type bodyID snowflake.ID

func (id *bodyID) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(strings.TrimSpace(string(data)), `"`)
	parsed, err := snowflake.ParseString(raw)
	if err != nil || parsed <= 0 {
		return fmt.Errorf("invalid id %s", data)
	}
	*id = bodyID(parsed)
	return nil
}

func bodyIDs(ids []bodyID) []snowflake.ID {
	if ids == nil {
		return nil
	}
	out := make([]snowflake.ID, len(ids))
	for i, id := range ids {
		out[i] = snowflake.ID(id)
	}
	return out
}
