package domain

import (
	"net/http"

	"github.com/pkg/errors"
)

var (
	ErrFileNotFound       = NewErr("FILE_NOT_FOUND", "file not found", http.StatusNotFound)
	ErrShareNotFound      = NewErr("SHARE_NOT_FOUND", "share link not found", http.StatusNotFound)
	ErrShareExpired       = NewErr("SHARE_EXPIRED", "share link expired", http.StatusGone)
	ErrPasswordRequired   = NewErr("PASSWORD_REQUIRED", "password required", http.StatusUnauthorized)
	ErrPasswordIncorrect  = NewErr("PASSWORD_INCORRECT", "incorrect password", http.StatusUnauthorized)
	ErrEntropyUnavailable = NewErr("ENTROPY_UNAVAILABLE", "system entropy source unavailable", http.StatusInternalServerError)
	ErrDecryptionFailed   = NewErr("DECRYPTION_FAILED", "decryption failed", http.StatusInternalServerError)
	ErrRetrievalFailed    = NewErr("RETRIEVAL_FAILED", "object retrieval failed", http.StatusBadGateway)
	ErrFileTooLarge       = NewErr("FILE_TOO_LARGE", "file too large", http.StatusBadRequest)
	ErrNameRequired       = NewErr("NAME_REQUIRED", "file name required", http.StatusBadRequest)
	ErrInvalidRequest     = NewErr("INVALID_REQUEST", "invalid request", http.StatusBadRequest)
	ErrInvalidExpiry      = NewErr("INVALID_EXPIRY", "expiry must be in the future", http.StatusBadRequest)
	ErrRateLimitExceeded  = NewErr("RATE_LIMIT_EXCEEDED", "rate limit exceeded", http.StatusTooManyRequests)
	ErrUnauthorized       = NewErr("UNAUTHORIZED", "unauthorized", http.StatusUnauthorized)
	ErrInternalServer     = NewErr("INTERNAL_ERROR", "internal error", http.StatusInternalServerError)
	ErrIDGenerationFailed = NewErr("ID_GENERATION_FAILED", "id generation failed", http.StatusInternalServerError)
)

type Err struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Status int    `json:"-"`
}

func (e *Err) Error() string { return e.Msg }

func NewErr(code, msg string, status int) *Err {
	return &Err{Code: code, Msg: msg, Status: status}
}

type ErrResp struct {
	Error ErrDetail `json:"error"`
}

type ErrDetail struct {
	Code string                 `json:"code"`
	Msg  string                 `json:"message"`
	Meta map[string]interface{} `json:"meta,omitempty"`
}

func ToResp(err error) ErrResp {
	if e, ok := err.(*Err); ok {
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	}
	return ErrResp{Error: ErrDetail{Code: "INTERNAL_ERROR", Msg: "internal error"}}
}

func Status(err error) int {
	if e, ok := err.(*Err); ok {
		return e.Status
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return e.Status
	}
	return http.StatusInternalServerError
}
