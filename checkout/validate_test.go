package checkout

import (
	"testing"

	"mineshop/client"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatCPF(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"1", "1"},
		{"123", "123"},
		{"1234", "123.4"},
		{"123456", "123.456"},
		{"1234567", "123.456.7"},
		{"123456789", "123.456.789"},
		{"1234567890", "123.456.789-0"},
		{"12345678901", "123.456.789-01"},
		{"123456789012345", "123.456.789-01"},
		{"123.456.789-01", "123.456.789-01"},
		{"abc12x3-45", "123.45"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, FormatCPF(tc.in), "FormatCPF(%q)", tc.in)
	}
}

func TestFormatCPF_Idempotent(t *testing.T) {
	for _, in := range []string{"1234", "1234567890", "12345678901"} {
		once := FormatCPF(in)
		assert.Equal(t, once, FormatCPF(once))
	}
}

func TestValidateCustomer(t *testing.T) {
	require.NoError(t, ValidateCustomer(validCustomer()))

	cases := []struct {
		name   string
		mutate func(*client.Customer)
		field  string
	}{
		{"missing name", func(c *client.Customer) { c.Name = "  " }, "name"},
		{"missing surname", func(c *client.Customer) { c.Surname = "" }, "surname"},
		{"bad email", func(c *client.Customer) { c.Email = "ana@" }, "email"},
		{"unformatted cpf", func(c *client.Customer) { c.CPF = "12345678901" }, "cpf"},
		{"short cpf", func(c *client.Customer) { c.CPF = "123.456.789-0" }, "cpf"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := validCustomer()
			tc.mutate(&c)
			err := ValidateCustomer(c)

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}
}

func TestValidateCustomer_ReportsFirstFieldInFormOrder(t *testing.T) {
	err := ValidateCustomer(client.Customer{Email: "nope"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "name", verr.Field)
}

func TestValidateCart(t *testing.T) {
	var verr *ValidationError
	require.ErrorAs(t, ValidateCart(nil), &verr)
	assert.Equal(t, "items", verr.Field)

	err := ValidateCart([]client.LineItem{{ProductID: 1, Quantity: 0, Price: decimal.NewFromInt(10)}})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "items[0].quantity", verr.Field)

	assert.NoError(t, ValidateCart(testItems()))
}
