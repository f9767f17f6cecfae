package main

import (
	"errors"
	"net/http"
	"syscall"

	"github.com/labstack/echo/v4"
	"go.elastic.co/apm"
)

const (
	// Utilizes a non-standard nginx code
	statusClosedConnection int = 499

	// Context key holding the caller identity
	userKey = "user"

	anonymousUser  = "anonymous"
	clientIDHeader = "X-Client-ID"
	maxClientIDLen = 128
)

func filterError(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		resp := c.Response()
		// Process the request
		err := next(c)
		// The below is executed after the request and subsequent middleware
		if err != nil {
			// Check for a broken pipe, modify response status, and create an error
			if errors.Is(err, syscall.EPIPE) {
				logger(c.Request().Context(), err)
				resp.Status = statusClosedConnection
				return nil
			}
		}
		return err
	}
}

// identify stores the caller identity on the context. A bearer token wins
// over the client ID header; callers sending neither share the anonymous
// identity.
func identify(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			// Obtains raw http request
			r := c.Request()

			if authHeader := r.Header.Get("Authorization"); authHeader != "" {
				span, _ := apm.StartSpan(r.Context(), "Identify Caller", "JWT")
				token, err := parseToken(authHeader, secret)
				span.End()
				if err != nil {
					logger(r.Context(), err)
					return c.NoContent(http.StatusUnauthorized)
				}
				subject, err := getSubject(token)
				if err != nil {
					logger(r.Context(), err)
					return c.NoContent(http.StatusUnauthorized)
				}
				c.Set(userKey, subject)
				return next(c)
			}

			user := r.Header.Get(clientIDHeader)
			if len(user) > maxClientIDLen {
				return c.JSON(http.StatusBadRequest, errorResponse{Error: "client id too long"})
			}
			if user == "" {
				user = anonymousUser
			}
			c.Set(userKey, user)
			return next(c)
		}
	}
}

func currentUser(c echo.Context) string {
	if user, ok := c.Get(userKey).(string); ok && user != "" {
		return user
	}
	return anonymousUser
}
