package server

import (
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"camstream-go/internal/broadcast"
	"camstream-go/internal/types"
)

const boundary = "frame"

// partWriter emits each frame as one multipart part and flushes it.
type partWriter struct {
	mw  *multipart.Writer
	res *echo.Response
}

func (p *partWriter) WriteFrame(frame *types.Frame) error {
	header := make(textproto.MIMEHeader)
	header.Set("Content-Type", "image/jpeg")
	header.Set("Content-Length", strconv.Itoa(len(frame.JPEG)))
	part, err := p.mw.CreatePart(header)
	if err != nil {
		return err
	}
	if _, err := part.Write(frame.JPEG); err != nil {
		return err
	}
	p.res.Flush()
	return nil
}

func (s *Server) handleVideoFeed(c echo.Context) error {
	res := c.Response()
	mw := multipart.NewWriter(res)
	if err := mw.SetBoundary(boundary); err != nil {
		return err
	}
	res.Header().Set(echo.HeaderContentType, "multipart/x-mixed-replace; boundary="+boundary)
	res.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	res.Header().Set("Connection", "close")
	res.WriteHeader(http.StatusOK)
	res.Flush()

	session := broadcast.NewSession(s.deps.Broadcaster, s.deps.Lifecycle, s.deps.Session, s.logger)
	err := session.Run(c.Request().Context(), &partWriter{mw: mw, res: res})
	if err == nil {
		// lifecycle stopped: end the body cleanly
		_ = mw.Close()
		res.Flush()
		return nil
	}
	if !errors.Is(err, c.Request().Context().Err()) {
		s.logger.Debug("viewer disconnected", zap.String("session", session.ID), zap.Error(err))
	}
	return nil
}

func (s *Server) handleSnapshot(c echo.Context) error {
	frame, ok := s.deps.Broadcaster.Latest()
	if !ok {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "no frame yet"})
	}
	c.Response().Header().Set("Cache-Control", "no-store")
	c.Response().Header().Set("X-Frame-Seq", fmt.Sprint(frame.Seq))
	return c.Blob(http.StatusOK, "image/jpeg", frame.JPEG)
}
