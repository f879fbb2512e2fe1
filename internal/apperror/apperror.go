// Package apperror はアプリケーション全体で共有するエラー分類と HTTP ステータスの対応を定義します。
package apperror

import (
	"errors"
	"net/http"
)

// Kind はエラーの種類です。
type Kind int

const (
	KindServer Kind = iota
	KindValidation
	KindAuthentication
	KindAuthorization
	KindCsrf
	KindNotFound
	KindConflict
	KindRateLimit
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindCsrf:
		return "csrf"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindRateLimit:
		return "rate_limit"
	default:
		return "server"
	}
}

// Status は Kind に対応する HTTP ステータスを返します。
func (k Kind) Status() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization, KindCsrf:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRateLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Error はクライアントへ返せるメッセージを持つエラーです。
// Err には内部原因を保持し、クライアントには公開しません。
type Error struct {
	Kind    Kind
	Message string
	Fields  []string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Status は HTTP ステータスを返します。
func (e *Error) Status() int {
	return e.Kind.Status()
}

const serverMessage = "Internal server error"

func Validation(message string, fields ...string) *Error {
	return &Error{Kind: KindValidation, Message: message, Fields: fields}
}

func Authentication(message string) *Error {
	return &Error{Kind: KindAuthentication, Message: message}
}

func Authorization(message string) *Error {
	return &Error{Kind: KindAuthorization, Message: message}
}

func Csrf(message string) *Error {
	return &Error{Kind: KindCsrf, Message: message}
}

func NotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Message: message}
}

func Conflict(message string, fields ...string) *Error {
	return &Error{Kind: KindConflict, Message: message, Fields: fields}
}

func RateLimit(message string) *Error {
	return &Error{Kind: KindRateLimit, Message: message}
}

// Server は予期しないエラーを包みます。メッセージは常にサニタイズされます。
func Server(err error) *Error {
	return &Error{Kind: KindServer, Message: serverMessage, Err: err}
}

// From は任意のエラーを *Error に変換します。分類されていないものは ServerError 扱いです。
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return Server(err)
}

// Public はクライアントに返してよいメッセージを返します。
func Public(err error) string {
	e := From(err)
	if e.Kind == KindServer {
		return serverMessage
	}
	return e.Message
}

// Is は err が指定した種類かを判定します。
func Is(err error, kind Kind) bool {
	var appErr *Error
	return errors.As(err, &appErr) && appErr.Kind == kind
}
