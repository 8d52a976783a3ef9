package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// Lab roles. Role gating happens here at the transport; the coordinator only
// ever sees the actor id.
const (
	RoleReceptionist  = "receptionist"
	RolePhlebotomist  = "phlebotomist"
	RoleLabTech       = "lab_tech"
	RoleLabSupervisor = "lab_supervisor"
)

// RequireRole returns middleware that allows the request if the user holds
// any of the given roles. lab_supervisor passes every gate.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userRoles := RolesFromContext(c.Request().Context())
			for _, required := range roles {
				for _, has := range userRoles {
					if has == required || has == RoleLabSupervisor {
						return next(c)
					}
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}
