package orders

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/fulfillment/internal/shared"
)

var validate = validator.New()

// Validate checks struct tags on a request and reports every failing field
// as a single ErrValidation.
func Validate(req any) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", shared.ErrValidation, err)
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", shared.ErrValidation, strings.Join(msgs, "; "))
}

// ValidateCreateRequest validates create request.
func ValidateCreateRequest(req CreateRequest) error {
	if err := Validate(req); err != nil {
		return err
	}
	if req.RequestedDeliveryDate != nil && req.ExpectedDeliveryDate != nil &&
		req.ExpectedDeliveryDate.Before(*req.RequestedDeliveryDate) {
		return fmt.Errorf("%w: expected delivery date before requested date", shared.ErrValidation)
	}
	return nil
}

// ValidateAdvanceRequest validates the target status label.
func ValidateAdvanceRequest(req AdvanceRequest) error {
	if err := Validate(req); err != nil {
		return err
	}
	if !req.Target.IsValid() {
		return fmt.Errorf("%w: unknown status %q", shared.ErrValidation, req.Target)
	}
	return nil
}
