package auction

import (
	"reflect"
	"strings"

	"github.com/Martin-Hayot/auction-storefront/pkg/types"
	"github.com/go-playground/validator/v10"
)

var messages = map[types.OrderField]string{
	types.OrderFieldEmail: "Email is required",
	types.OrderFieldPhone: "Phone number is required",
}

// orderForm holds the contact fields checked before an order is submitted.
// Only presence is checked.
type orderForm struct {
	Email string `json:"email" validate:"required"`
	Phone string `json:"phone" validate:"required"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		tag := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if tag == "" {
			return f.Name
		}
		return tag
	})
	return v
}

func validateForm(form orderForm) types.FormErrors {
	errs := types.FormErrors{}
	err := validate.Struct(form)
	if err == nil {
		return errs
	}
	fieldErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return errs
	}
	for _, fe := range fieldErrs {
		field := types.OrderField(fe.Field())
		msg, ok := messages[field]
		if !ok {
			msg = fe.Field() + " is invalid"
		}
		errs[field] = msg
	}
	return errs
}
