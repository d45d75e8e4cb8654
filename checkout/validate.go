package checkout

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"mineshop/client"

	"github.com/go-playground/validator/v10"
)

var cpfPattern = regexp.MustCompile(`^\d{3}\.\d{3}\.\d{3}-\d{2}$`)

// ValidationError is a field-level problem with customer input. It is
// produced locally and never involves the network.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("cpf", ValidateCPFField)
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ValidateCPFField is the validator rule behind the "cpf" tag.
func ValidateCPFField(fl validator.FieldLevel) bool {
	return cpfPattern.MatchString(fl.Field().String())
}

type customerRules struct {
	Name    string `json:"name" validate:"required"`
	Surname string `json:"surname" validate:"required"`
	Email   string `json:"email" validate:"required,email"`
	CPF     string `json:"cpf" validate:"required,cpf"`
}

// ValidateCustomer checks the contact fields in form order and reports the
// first failing one.
func ValidateCustomer(c client.Customer) error {
	rules := customerRules{
		Name:    strings.TrimSpace(c.Name),
		Surname: strings.TrimSpace(c.Surname),
		Email:   strings.TrimSpace(c.Email),
		CPF:     strings.TrimSpace(c.CPF),
	}

	err := validate.Struct(rules)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	fe := verrs[0]
	return &ValidationError{Field: fe.Field(), Message: ruleMessage(fe)}
}

func ruleMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "cpf":
		return "must match NNN.NNN.NNN-NN"
	default:
		return "is invalid"
	}
}

// ValidateCart rejects an empty cart or a line without a positive quantity.
func ValidateCart(items []client.LineItem) error {
	if len(items) == 0 {
		return &ValidationError{Field: "items", Message: "cart is empty"}
	}
	for i, item := range items {
		if item.Quantity <= 0 {
			return &ValidationError{Field: fmt.Sprintf("items[%d].quantity", i), Message: "must be greater than zero"}
		}
		if item.Price.IsNegative() {
			return &ValidationError{Field: fmt.Sprintf("items[%d].price", i), Message: "must not be negative"}
		}
	}
	return nil
}

// FormatCPF keeps the digits of input and punctuates them as NNN.NNN.NNN-NN.
// Separators only appear once the next group has started, so partial input
// such as "123" is returned unchanged. Digits past the eleventh are dropped.
func FormatCPF(input string) string {
	digits := make([]byte, 0, 11)
	for i := 0; i < len(input) && len(digits) < 11; i++ {
		if c := input[i]; c >= '0' && c <= '9' {
			digits = append(digits, c)
		}
	}

	var b strings.Builder
	for i, d := range digits {
		switch i {
		case 3, 6:
			b.WriteByte('.')
		case 9:
			b.WriteByte('-')
		}
		b.WriteByte(d)
	}
	return b.String()
}
