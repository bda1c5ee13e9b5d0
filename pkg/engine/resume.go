package engine

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/tombee/helmsman/pkg/errors"
	"github.com/tombee/helmsman/pkg/run"
)

// parseDecision extracts an approval decision from a resume payload. Two
// shapes are accepted: {"approved": bool, "comment"?: string} and
// {"decision": "approve"|"reject", "comment"?: string}. Anything else is an
// InvalidResumePayloadError and the run stays paused.
func parseDecision(payload map[string]any) (approved bool, comment string, err error) {
	if payload == nil {
		return false, "", &errors.InvalidResumePayloadError{Reason: "payload is required"}
	}

	if c, ok := payload["comment"]; ok {
		s, ok := c.(string)
		if !ok {
			return false, "", &errors.InvalidResumePayloadError{Field: "comment", Reason: "must be a string"}
		}
		comment = s
	}

	if v, ok := payload["approved"]; ok {
		b, ok := v.(bool)
		if !ok {
			return false, "", &errors.InvalidResumePayloadError{Field: "approved", Reason: "must be a boolean"}
		}
		return b, comment, nil
	}

	if v, ok := payload["decision"]; ok {
		s, ok := v.(string)
		if !ok {
			return false, "", &errors.InvalidResumePayloadError{Field: "decision", Reason: "must be a string"}
		}
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "approve", "approved":
			return true, comment, nil
		case "reject", "rejected":
			return false, comment, nil
		}
		return false, "", &errors.InvalidResumePayloadError{
			Field:  "decision",
			Reason: fmt.Sprintf("%q is not one of approve, reject", s),
		}
	}

	return false, "", &errors.InvalidResumePayloadError{Reason: "payload needs an approved or decision field"}
}

// validateInput checks a user-input resume payload against the pending
// request and returns the effective values with defaults applied. The
// response lives under "user_input_response" (or "values"); a bare map is
// accepted as the values directly. Validation failures leave the request
// unresolved.
func validateInput(req *run.InputRequest, payload map[string]any) (map[string]any, error) {
	if payload == nil {
		return nil, &errors.InvalidResumePayloadError{Reason: "payload is required"}
	}

	supplied := payload
	for _, key := range []string{"user_input_response", "values"} {
		if raw, ok := payload[key]; ok {
			m, ok := raw.(map[string]any)
			if !ok {
				return nil, &errors.InvalidResumePayloadError{Field: key, Reason: "must be an object"}
			}
			supplied = m
			break
		}
	}

	values := make(map[string]any, len(supplied)+len(req.Defaults))
	for k, v := range req.Defaults {
		values[k] = v
	}
	for k, v := range supplied {
		values[k] = v
	}

	for _, field := range req.Required {
		v, ok := values[field]
		if !ok || v == nil {
			return nil, &errors.InvalidResumePayloadError{Field: field, Reason: "required field is missing"}
		}
		if s, ok := v.(string); ok && s == "" {
			return nil, &errors.InvalidResumePayloadError{Field: field, Reason: "required field is empty"}
		}
	}

	for field, rawSpec := range req.Schema {
		spec, ok := rawSpec.(map[string]any)
		if !ok {
			continue
		}
		v, present := values[field]
		if !present {
			continue
		}
		if rawEnum, ok := spec["enum"]; ok {
			if err := checkEnum(field, v, rawEnum); err != nil {
				return nil, err
			}
		}
	}

	return values, nil
}

func checkEnum(field string, value, rawEnum any) error {
	allowed, ok := rawEnum.([]any)
	if !ok {
		return nil
	}
	for _, candidate := range allowed {
		if reflect.DeepEqual(value, candidate) {
			return nil
		}
	}
	return &errors.InvalidResumePayloadError{
		Field:  field,
		Reason: fmt.Sprintf("value %v is not one of the allowed options", value),
	}
}
