package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/salon/internal/study"
)

type listStudiesResponse struct {
	Studies []*study.Study `json:"studies"`
}

func (s *Server) listStudies(c echo.Context) error {
	offset, limit := 0, 100
	if err := echo.QueryParamsBinder(c).Int("offset", &offset).Int("limit", &limit).BindError(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	studies, err := s.deps.Studies.ListStudies(c.Request().Context(), offset, limit)
	if err != nil {
		return s.studyError(c, err)
	}
	if studies == nil {
		studies = []*study.Study{}
	}
	return c.JSON(http.StatusOK, listStudiesResponse{Studies: studies})
}

func (s *Server) getStudy(c echo.Context) error {
	st, err := s.deps.Studies.GetStudy(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.studyError(c, err)
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) listInterviews(c echo.Context) error {
	ctx := c.Request().Context()
	if _, err := s.deps.Studies.GetStudy(ctx, c.Param("id")); err != nil {
		return s.studyError(c, err)
	}
	interviews, err := s.deps.Studies.InterviewsByStudy(ctx, c.Param("id"))
	if err != nil {
		return s.studyError(c, err)
	}
	if interviews == nil {
		interviews = []*study.Interview{}
	}
	return c.JSON(http.StatusOK, interviews)
}

func (s *Server) studyError(c echo.Context, err error) error {
	if errors.Is(err, study.ErrStudyNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "study not found")
	}
	zerolog.Ctx(c.Request().Context()).Error().Err(err).Msg("Study store failed")
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}
