// Package validate は gin のバインディング（go-playground/validator）を共通のエラー形式に揃えます。
package validate

import (
	"errors"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/fengjnw/10-health-33915059-sub000/internal/apperror"
)

var (
	once          sync.Once
	usernameRegex = regexp.MustCompile(`^[A-Za-z0-9_]{3,30}$`)
	verifyCode    = regexp.MustCompile(`^[0-9]{6}$`)
)

// setup はフィールド名を json/form タグ名で報告させ、独自ルールを登録します。
func setup() {
	once.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		v.RegisterTagNameFunc(fieldName)
		_ = v.RegisterValidation("username", func(fl validator.FieldLevel) bool {
			return usernameRegex.MatchString(fl.Field().String())
		})
		_ = v.RegisterValidation("code", func(fl validator.FieldLevel) bool {
			return verifyCode.MatchString(fl.Field().String())
		})
	})
}

func fieldName(f reflect.StructField) string {
	for _, tag := range []string{"json", "form"} {
		name := strings.SplitN(f.Tag.Get(tag), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name != "" {
			return name
		}
	}
	return f.Name
}

// Bind はリクエストボディ（JSON またはフォーム）を obj に読み込み、検証します。
// 失敗した場合は Validation エラーを返します。
func Bind(c *gin.Context, obj any) error {
	setup()
	if err := c.ShouldBind(obj); err != nil {
		return translate(err)
	}
	return nil
}

// BindQuery はクエリ文字列を obj に読み込み、検証します。
func BindQuery(c *gin.Context, obj any) error {
	setup()
	if err := c.ShouldBindQuery(obj); err != nil {
		return translate(err)
	}
	return nil
}

// Struct は構造体のタグに従って検証します。
func Struct(obj any) error {
	setup()
	if err := binding.Validator.ValidateStruct(obj); err != nil {
		return translate(err)
	}
	return nil
}

func translate(err error) error {
	var ves validator.ValidationErrors
	if errors.As(err, &ves) {
		fields := make([]string, 0, len(ves))
		msgs := make([]string, 0, len(ves))
		for _, fe := range ves {
			fields = append(fields, fe.Field())
			msgs = append(msgs, message(fe))
		}
		return apperror.Validation(strings.Join(msgs, "; "), fields...)
	}
	return apperror.Validation("Invalid request body")
}

func message(fe validator.FieldError) string {
	f := fe.Field()
	switch fe.Tag() {
	case "required":
		return f + " is required"
	case "email":
		return f + " must be a valid email address"
	case "username":
		return f + " must be 3-30 letters, digits or underscores"
	case "code":
		return f + " must be a 6-digit code"
	case "min", "gte":
		return f + " must be at least " + fe.Param()
	case "max", "lte":
		return f + " must be at most " + fe.Param()
	case "oneof":
		return f + " must be one of " + fe.Param()
	default:
		return f + " is invalid"
	}
}
