package ipam

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/froyo-ipam/pkg/engine"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// AllocateRequest asks for a number of addresses per connected resource on
// one subnet.
type AllocateRequest struct {
	SubnetLink        string         `json:"subnet_link" validate:"required,startswith=/"`
	ResourceToIPCount map[string]int `json:"resource_to_ip_count" validate:"required,min=1,dive,keys,required,startswith=/,endkeys,gt=0"`
}

// AllocateSpecificRequest asks for one particular address.
type AllocateSpecificRequest struct {
	SubnetLink            string `json:"subnet_link" validate:"required,startswith=/"`
	ConnectedResourceLink string `json:"connected_resource_link" validate:"required,startswith=/"`
	Address               string `json:"address" validate:"required,ipv4"`
}

// DeallocateRequest returns address records to the pool.
type DeallocateRequest struct {
	ConnectedResourceLink string   `json:"connected_resource_link" validate:"required,startswith=/"`
	IPAddressLinks        []string `json:"ip_address_links" validate:"required,min=1,dive,required,startswith=/resources/ip-addresses/"`
}

// validateRequest checks req against its struct tags and reports the
// failing fields as one validation error.
func validateRequest(req interface{}) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return engine.NewValidationError("invalid request: %v", err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		ns := fe.Namespace()
		if _, rest, ok := strings.Cut(ns, "."); ok {
			ns = rest
		}
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s", ns, fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s", ns, fe.Tag()))
		}
	}
	return engine.NewValidationError("invalid request: %s", strings.Join(msgs, "; "))
}
