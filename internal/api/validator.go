package api

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
)

// RequestValidator plugs go-playground struct validation into echo
type RequestValidator struct {
	v *validator.Validate
}

// NewValidator builds the validator the server binds requests through
func NewValidator() *RequestValidator {
	return &RequestValidator{v: validator.New()}
}

// Validate checks struct tags; tag failures surface as 422
func (rv *RequestValidator) Validate(i interface{}) error {
	if err := rv.v.Struct(i); err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	return nil
}
