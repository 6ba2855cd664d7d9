// Package envelope writes the uniform {success, message, data} response body.
package envelope

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/servicedesk/internal/apierr"
	"github.com/mbd888/servicedesk/internal/logging"
	"github.com/mbd888/servicedesk/internal/validation"
)

// Response is the body of every API response.
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
	Code    string      `json:"code,omitempty"`
}

// Success writes a successful response.
func Success(c *gin.Context, status int, message string, data interface{}) {
	c.JSON(status, Response{Success: true, Message: message, Data: data})
}

// OK writes a 200 response.
func OK(c *gin.Context, message string, data interface{}) {
	Success(c, http.StatusOK, message, data)
}

// Created writes a 201 response.
func Created(c *gin.Context, message string, data interface{}) {
	Success(c, http.StatusCreated, message, data)
}

// Failure writes a failed response with an explicit status.
func Failure(c *gin.Context, status int, code, message string, data interface{}) {
	c.AbortWithStatusJSON(status, Response{Success: false, Message: message, Data: data, Code: code})
}

// Error classifies err and writes the matching failure response.
// Internal errors are logged and their detail withheld from the client.
func Error(c *gin.Context, err error) {
	var verrs validation.ValidationErrors
	if errors.As(err, &verrs) {
		Failure(c, http.StatusBadRequest, string(apierr.Validation), verrs.Error(), verrs)
		return
	}

	kind := apierr.KindOf(err)
	if kind == apierr.Internal || kind == apierr.Upstream {
		logging.L(c.Request.Context()).Error("request failed",
			"path", c.FullPath(),
			"kind", string(kind),
			"error", err,
		)
	}
	Failure(c, apierr.HTTPStatus(kind), apierr.CodeOf(err), apierr.MessageOf(err), nil)
}

// BadRequest writes a validation failure for a malformed body.
func BadRequest(c *gin.Context, message string) {
	Failure(c, http.StatusBadRequest, string(apierr.Validation), message, nil)
}
