package shared

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"
)

// maxBodySize caps request bodies. Task inputs are JSON documents, not
// media payloads, so 1 MiB is generous.
const maxBodySize = 1 << 20

var validate = validator.New()

// DecodeJSON decodes the request body into v, rejecting unknown fields
// and oversized bodies.
func DecodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("request body truncated or exceeds %d bytes", maxBodySize)
		}
		return err
	}
	return nil
}

// ValidateRequest runs struct-tag validation on v, preferring the type's
// own Validate method when it has one.
func ValidateRequest(v interface{}) error {
	if validator, ok := v.(interface{ Validate() error }); ok {
		return validator.Validate()
	}
	return validate.Struct(v)
}
