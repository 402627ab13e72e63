package validation_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	errors "github.com/frahmantamala/payment-ledger/internal"
	"github.com/frahmantamala/payment-ledger/internal/core/common/validation"
)

var _ = Describe("ValidationBuilder", func() {
	It("collects every failing field", func() {
		v := validation.NewValidator()
		v.Field("currency", "US").Required().CurrencyCode()
		v.Field("amount", decimal.Zero).Positive(errors.ErrCodeInvalidAmount)

		appErr := v.Validate()
		Expect(appErr).NotTo(BeNil())

		details, ok := appErr.Details.(errors.ValidationErrors)
		Expect(ok).To(BeTrue())
		Expect(details.Errors).To(HaveLen(2))
		Expect(details.Errors[0].Field).To(Equal("currency"))
		Expect(details.Errors[0].Code).To(Equal(string(errors.ErrCodeInvalidCurrency)))
		Expect(details.Errors[1].Field).To(Equal("amount"))
	})

	It("passes valid input", func() {
		v := validation.NewValidator()
		v.Field("currency", "usd").Required().CurrencyCode()
		v.Field("reason", "duplicate").OneOf("duplicate", "fraudulent", "requested_by_customer")
		Expect(v.Validate()).To(BeNil())
	})

	It("rejects values outside the allowed set", func() {
		v := validation.NewValidator()
		v.Field("reason", "bored").OneOf("duplicate", "fraudulent")
		Expect(v.Validate()).NotTo(BeNil())
	})

	Describe("ValidateAmount", func() {
		DescribeTable("amount rules",
			func(amount string, valid bool) {
				appErr := validation.ValidateAmount("amount", decimal.RequireFromString(amount))
				if valid {
					Expect(appErr).To(BeNil())
				} else {
					Expect(appErr).NotTo(BeNil())
				}
			},
			Entry("positive with cents", "100.25", true),
			Entry("zero", "0", false),
			Entry("negative", "-5", false),
			Entry("sub-cent precision", "1.005", false),
		)
	})
})
