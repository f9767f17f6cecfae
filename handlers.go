package main

import (
	"bytes"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/chop-dbhi/icd-lookup/internal/icd10"
	"github.com/chop-dbhi/icd-lookup/internal/lookup"
	"github.com/chop-dbhi/icd-lookup/internal/mindmap"
	"github.com/chop-dbhi/icd-lookup/internal/report"
	"github.com/chop-dbhi/icd-lookup/internal/store"
	"github.com/chop-dbhi/icd-lookup/internal/upstream"
)

const (
	maxNoteLength = 500
	mimeMarkdown  = "text/markdown; charset=UTF-8"
)

type errorResponse struct {
	Error string `json:"error"`
}

type chapterResponse struct {
	icd10.Chapter
	Range string `json:"range"`
}

type codeResponse struct {
	*lookup.Detail
	Favorite bool `json:"favorite"`
}

type mindMapResponse struct {
	Graph   *mindmap.Graph `json:"graph"`
	Mermaid string         `json:"mermaid"`
}

type validateDrugsRequest struct {
	Drugs []string `json:"drugs"`
}

type proceduresRequest struct {
	ICD10Code   string `json:"icd10Code"`
	Description string `json:"description"`
}

type favoriteRequest struct {
	Code string `json:"code"`
	Name string `json:"name"`
	Note string `json:"note"`
}

type viewModeRequest struct {
	Mode string `json:"mode"`
}

// httpStatus maps an error returned by the lookup service or the store to a
// response status.
func httpStatus(err error) int {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		return he.Code
	case lookup.IsValidation(err), errors.Is(err, store.ErrInvalidViewMode):
		return http.StatusBadRequest
	case errors.Is(err, icd10.ErrNotFound), errors.Is(err, store.ErrNotFound), errors.Is(err, lookup.ErrDrugNotFound):
		return http.StatusNotFound
	case errors.Is(err, upstream.ErrMissingAPIKey):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func sendError(c echo.Context, err error) error {
	status := httpStatus(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		logger(c.Request().Context(), err)
		if status == http.StatusInternalServerError {
			// Upstream details stay in the logs
			message = http.StatusText(status)
		}
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		if m, ok := he.Message.(string); ok {
			message = m
		}
	}
	return c.JSON(status, errorResponse{Error: message})
}

func heartbeat(c echo.Context) error {
	// Heartbeat function to assess service status. Immediately return 200
	return c.NoContent(http.StatusOK)
}

func chapters(c echo.Context) error {
	list := icd10.Chapters()
	resp := make([]chapterResponse, len(list))
	for i, ch := range list {
		resp[i] = chapterResponse{Chapter: ch, Range: ch.Range()}
	}
	return c.JSON(http.StatusOK, resp)
}

func (a *app) sources(c echo.Context) error {
	return c.JSON(http.StatusOK, a.service.Sources())
}

func (a *app) search(c echo.Context) error {
	ctx := c.Request().Context()

	req := lookup.SearchRequest{
		Query:   c.QueryParam("q"),
		Chapter: c.QueryParam("chapter"),
	}
	if limit := c.QueryParam("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 1 {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "limit: must be a positive number"})
		}
		req.Limit = n
	}

	resp, err := a.service.Search(ctx, req)
	if err != nil {
		return sendError(c, err)
	}

	// History is best effort and never fails the search
	if a.store != nil {
		if err := a.store.RecordSearch(ctx, currentUser(c), resp.Query, resp.Total); err != nil {
			logger(ctx, err)
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (a *app) code(c echo.Context) error {
	ctx := c.Request().Context()

	detail, err := a.service.Detail(ctx, c.Param("code"))
	if err != nil {
		return sendError(c, err)
	}

	resp := codeResponse{Detail: detail}
	if a.store != nil {
		resp.Favorite, err = a.store.IsFavorite(ctx, currentUser(c), detail.Code.Code)
		if err != nil {
			logger(ctx, err)
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (a *app) codeDrugs(c echo.Context) error {
	list, err := a.service.Drugs(c.Request().Context(), c.Param("code"))
	if err != nil {
		return sendError(c, err)
	}
	return c.JSON(http.StatusOK, list)
}

func (a *app) codeTrials(c echo.Context) error {
	list, err := a.service.Trials(c.Request().Context(), c.Param("code"), c.QueryParam("status"))
	if err != nil {
		return sendError(c, err)
	}
	return c.JSON(http.StatusOK, list)
}

func (a *app) codeCoverage(c echo.Context) error {
	list, err := a.service.Coverage(c.Request().Context(), c.Param("code"))
	if err != nil {
		return sendError(c, err)
	}
	return c.JSON(http.StatusOK, list)
}

func (a *app) codeMindMap(c echo.Context) error {
	graph, err := a.service.MindMap(c.Request().Context(), c.Param("code"))
	if err != nil {
		return sendError(c, err)
	}
	return c.JSON(http.StatusOK, mindMapResponse{Graph: graph, Mermaid: graph.Mermaid()})
}

func (a *app) codeReport(c echo.Context) error {
	detail, err := a.service.Detail(c.Request().Context(), c.Param("code"))
	if err != nil {
		return sendError(c, err)
	}

	var buf bytes.Buffer
	if err := report.NewMarkdownWriter(&buf).WriteDetail(detail, a.service.Graph(detail)); err != nil {
		return sendError(c, err)
	}
	return c.Blob(http.StatusOK, mimeMarkdown, buf.Bytes())
}

func (a *app) drugDetail(c echo.Context) error {
	detail, err := a.service.DrugDetail(c.Request().Context(), c.Param("rxcui"))
	if err != nil {
		return sendError(c, err)
	}
	return c.JSON(http.StatusOK, detail)
}

func (a *app) drugByName(c echo.Context) error {
	detail, err := a.service.DrugByName(c.Request().Context(), c.QueryParam("name"))
	if err != nil {
		return sendError(c, err)
	}
	return c.JSON(http.StatusOK, detail)
}

func (a *app) classMembers(c echo.Context) error {
	members, err := a.service.ClassMembers(c.Request().Context(), c.Param("classId"), c.QueryParam("source"))
	if err != nil {
		return sendError(c, err)
	}
	return c.JSON(http.StatusOK, members)
}

func (a *app) validateDrugs(c echo.Context) error {
	var req validateDrugsRequest
	if err := c.Bind(&req); err != nil {
		return sendError(c, err)
	}
	results, err := a.service.ValidateDrugs(c.Request().Context(), req.Drugs)
	if err != nil {
		return sendError(c, err)
	}
	return c.JSON(http.StatusOK, results)
}

func (a *app) snomedProcedures(c echo.Context) error {
	var req proceduresRequest
	if err := c.Bind(&req); err != nil {
		return sendError(c, err)
	}
	procedures, err := a.service.Procedures(c.Request().Context(), req.ICD10Code, req.Description)
	if err != nil {
		return sendError(c, err)
	}
	return c.JSON(http.StatusOK, procedures)
}

func (a *app) favorites(c echo.Context) error {
	list, err := a.store.Favorites(c.Request().Context(), currentUser(c))
	if err != nil {
		return sendError(c, err)
	}
	return c.JSON(http.StatusOK, list)
}

func (a *app) addFavorite(c echo.Context) error {
	ctx := c.Request().Context()

	var req favoriteRequest
	if err := c.Bind(&req); err != nil {
		return sendError(c, err)
	}

	code := icd10.FormatCode(req.Code)
	switch {
	case !icd10.ValidCode(code):
		return sendError(c, &lookup.ValidationError{Field: "code", Message: "not a valid ICD-10-CM code"})
	case len(req.Note) > maxNoteLength:
		return sendError(c, &lookup.ValidationError{Field: "note", Message: "note is too long"})
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		found, err := a.service.Code(ctx, code)
		if err != nil {
			return sendError(c, err)
		}
		name = found.Name
	}

	favorite, err := a.store.AddFavorite(ctx, currentUser(c), store.Favorite{
		Code: code,
		Name: name,
		Note: strings.TrimSpace(req.Note),
	})
	if err != nil {
		return sendError(c, err)
	}
	return c.JSON(http.StatusOK, favorite)
}

func (a *app) removeFavorite(c echo.Context) error {
	code := icd10.FormatCode(c.Param("code"))
	if err := a.store.RemoveFavorite(c.Request().Context(), currentUser(c), code); err != nil {
		return sendError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (a *app) history(c echo.Context) error {
	entries, err := a.store.History(c.Request().Context(), currentUser(c))
	if err != nil {
		return sendError(c, err)
	}
	return c.JSON(http.StatusOK, entries)
}

func (a *app) clearHistory(c echo.Context) error {
	if err := a.store.ClearHistory(c.Request().Context(), currentUser(c)); err != nil {
		return sendError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (a *app) viewMode(c echo.Context) error {
	mode, err := a.store.ViewMode(c.Request().Context(), currentUser(c))
	if err != nil {
		return sendError(c, err)
	}
	return c.JSON(http.StatusOK, viewModeRequest{Mode: mode})
}

func (a *app) setViewMode(c echo.Context) error {
	var req viewModeRequest
	if err := c.Bind(&req); err != nil {
		return sendError(c, err)
	}
	if err := a.store.SetViewMode(c.Request().Context(), currentUser(c), req.Mode); err != nil {
		return sendError(c, err)
	}
	zapLogger.Debug("View mode changed", zap.String("mode", req.Mode))
	return c.JSON(http.StatusOK, req)
}
