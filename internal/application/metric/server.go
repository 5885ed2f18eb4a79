package metric

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewServer builds the local debug server: Prometheus metrics, a health
// probe and the current session snapshot for inspection.
func NewServer(snapshot func() any) *echo.Echo {
	e := echo.New()

	e.HideBanner = true

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	e.GET("/session", func(c echo.Context) error {
		return c.JSON(http.StatusOK, snapshot())
	})

	return e
}
