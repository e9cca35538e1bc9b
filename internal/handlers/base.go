package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	appctx "github.com/Ramsey-B/fern/pkg/context"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// BindRequest binds the request into T and validates it
func BindRequest[T any](c echo.Context) (T, error) {
	var req T
	if err := c.Bind(&req); err != nil {
		return req, httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return req, validationError(err)
	}
	return req, nil
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	herr := httperror.NewHTTPError(http.StatusBadRequest, "invalid request")
	for _, fe := range verrs {
		herr = herr.AddMetaValue(fe.Field(), fmt.Sprintf("failed rule '%s' %s", fe.Tag(), fe.Param()))
	}
	return herr
}

// ParseDatasetKey parses a dataset key from a path parameter
func ParseDatasetKey(c echo.Context, param string) (int, error) {
	raw := c.Param(param)
	if raw == "" {
		return 0, httperror.NewHTTPError(http.StatusBadRequest, "missing "+param)
	}

	key, err := strconv.Atoi(raw)
	if err != nil || key <= 0 {
		return 0, httperror.NewHTTPErrorf(http.StatusBadRequest, "invalid %s: must be a positive integer", param)
	}
	return key, nil
}

// GetUserKey returns the curator of the request, 0 when none was given.
func GetUserKey(c echo.Context) (int, error) {
	raw := appctx.GetUserID(c.Request().Context())
	if raw == "" {
		return 0, nil
	}

	key, err := strconv.Atoi(raw)
	if err != nil {
		return 0, httperror.NewHTTPError(http.StatusBadRequest, "invalid user id")
	}
	return key, nil
}

// AcceptedResponse returns a 202 Accepted with data
func AcceptedResponse(c echo.Context, data any) error {
	return c.JSON(http.StatusAccepted, data)
}

// NoContentResponse returns a 204 No Content
func NoContentResponse(c echo.Context) error {
	return c.NoContent(http.StatusNoContent)
}
