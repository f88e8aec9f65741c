package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"camstream-go/internal/controls"
)

type controlRequest struct {
	Name  string `json:"name" form:"name"`
	Value any    `json:"value" form:"value"`
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

func (s *Server) handleControls(c echo.Context) error {
	if s.deps.Controls == nil {
		return c.JSON(http.StatusOK, map[string]controls.Control{})
	}
	list, err := s.deps.Controls.List(c.Request().Context())
	if err != nil {
		s.logger.Debug("list controls", zap.Error(err))
		return c.JSON(http.StatusOK, map[string]controls.Control{})
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) handleGetControl(c echo.Context) error {
	name := strings.TrimSpace(c.QueryParam("name"))
	if name == "" {
		return c.JSON(http.StatusBadRequest, errorBody("name required"))
	}
	if s.deps.Controls == nil {
		return c.JSON(http.StatusNotFound, errorBody("not supported or v4l2-ctl missing"))
	}
	value, err := s.deps.Controls.Get(c.Request().Context(), name)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, map[string]string{"name": name, "value": value})
	case errors.Is(err, controls.ErrInvalid):
		return c.JSON(http.StatusBadRequest, errorBody(err.Error()))
	default:
		s.logger.Debug("get control", zap.String("name", name), zap.Error(err))
		return c.JSON(http.StatusNotFound, errorBody("not supported or v4l2-ctl missing"))
	}
}

func (s *Server) handleSetControl(c echo.Context) error {
	req, err := bindControl(c)
	if err != nil || req.Name == "" || req.Value == "" {
		return c.JSON(http.StatusBadRequest, errorBody("name and value required"))
	}
	if s.deps.Controls == nil {
		return c.JSON(http.StatusInternalServerError, errorBody("failed to set control"))
	}

	s.setMu.Lock()
	err = s.deps.Controls.Set(c.Request().Context(), req.Name, req.Value)
	s.setMu.Unlock()

	switch {
	case err == nil:
		s.logger.Info("control set", zap.String("name", req.Name), zap.String("value", req.Value))
		return c.JSON(http.StatusOK, map[string]any{"name": req.Name, "value": req.Echo})
	case errors.Is(err, controls.ErrInvalid):
		return c.JSON(http.StatusBadRequest, errorBody(err.Error()))
	default:
		s.logger.Warn("set control", zap.String("name", req.Name), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorBody("failed to set control"))
	}
}

type setRequest struct {
	Name  string
	Value string
	// Echo is the value as the client sent it.
	Echo any
}

// bindControl accepts a JSON or form body. JSON values may be numbers or
// booleans; they are sent to the device in their decimal form.
func bindControl(c echo.Context) (setRequest, error) {
	var raw controlRequest
	if strings.HasPrefix(c.Request().Header.Get(echo.HeaderContentType), echo.MIMEApplicationJSON) {
		if err := c.Bind(&raw); err != nil {
			return setRequest{}, err
		}
	} else {
		raw.Name = c.FormValue("name")
		raw.Value = c.FormValue("value")
	}
	req := setRequest{
		Name:  strings.TrimSpace(raw.Name),
		Value: strings.TrimSpace(stringify(raw.Value)),
		Echo:  raw.Value,
	}
	if str, ok := raw.Value.(string); ok {
		req.Echo = strings.TrimSpace(str)
	}
	return req, nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		if t {
			return "1"
		}
		return "0"
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprint(t)
	default:
		return fmt.Sprint(t)
	}
}
