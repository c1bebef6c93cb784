package transport

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/ordersaga/model"
)

//go:embed openapi.yaml
var openapiDocument []byte

// LoadOpenAPI parses and validates the embedded API description.
func LoadOpenAPI(ctx context.Context) (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	doc, err := loader.LoadFromData(openapiDocument)
	if err != nil {
		return nil, fmt.Errorf("openapi: loading api description: %w", err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("openapi: validating api description: %w", err)
	}
	return doc, nil
}

// ValidateRequest returns middleware that checks the parameters and body of
// a request against the operation its chi route pattern names in doc. Routes
// the document does not describe pass through unchecked. It must run after
// routing, so register it on an inline group, not on a mounted router.
func ValidateRequest(doc *openapi3.T) func(http.Handler) http.Handler {
	options := &openapi3filter.Options{
		AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc := chi.RouteContext(r.Context())
			if rc == nil {
				next.ServeHTTP(w, r)
				return
			}
			pattern := rc.RoutePattern()
			item := doc.Paths.Value(pattern)
			if item == nil {
				next.ServeHTTP(w, r)
				return
			}
			op := item.GetOperation(r.Method)
			if op == nil {
				next.ServeHTTP(w, r)
				return
			}

			params := make(map[string]string, len(rc.URLParams.Keys))
			for i, key := range rc.URLParams.Keys {
				params[key] = rc.URLParams.Values[i]
			}
			input := &openapi3filter.RequestValidationInput{
				Request:    r,
				PathParams: params,
				Route: &routers.Route{
					Spec:      doc,
					Path:      pattern,
					PathItem:  item,
					Method:    r.Method,
					Operation: op,
				},
				Options: options,
			}
			if err := openapi3filter.ValidateRequest(r.Context(), input); err != nil {
				WriteError(w, requestValidationError(err))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requestValidationError converts a kin-openapi failure into a
// VALIDATION_ERROR naming the offending field.
func requestValidationError(err error) error {
	var re *openapi3filter.RequestError
	if !errors.As(err, &re) {
		return model.NewBadRequestError(err.Error())
	}

	field := "body"
	if re.Parameter != nil {
		field = re.Parameter.Name
	}
	msg := re.Reason

	var se *openapi3.SchemaError
	if errors.As(re.Err, &se) {
		if ptr := se.JSONPointer(); len(ptr) > 0 {
			field = strings.Join(ptr, ".")
		}
		msg = se.Reason
	}
	if msg == "" {
		msg = re.Error()
	}

	return model.NewValidationError([]model.FieldError{{Field: field, Code: "invalid", Message: msg}})
}
