package tools

import "fmt"

// boundedInt applies the default when v is zero and rejects values
// outside [min, max] with a field-prefixed message.
func boundedInt(field string, v, min, max, def int) (int, *Error) {
	if v == 0 {
		return def, nil
	}
	if v < min || v > max {
		return 0, validationErr(field, fmt.Sprintf("must be between %d and %d", min, max))
	}
	return v, nil
}

// boundedInt64 is boundedInt for millisecond quantities.
func boundedInt64(field string, v, min, max, def int64) (int64, *Error) {
	if v == 0 {
		return def, nil
	}
	if v < min || v > max {
		return 0, validationErr(field, fmt.Sprintf("must be between %d and %d", min, max))
	}
	return v, nil
}

// requireString rejects empty required fields.
func requireString(field, v string) *Error {
	if v == "" {
		return validationErr(field, "is required")
	}
	return nil
}

// oneOf validates an enum field, with the default on empty input.
func oneOf(field, v, def string, allowed ...string) (string, *Error) {
	if v == "" {
		return def, nil
	}
	for _, a := range allowed {
		if v == a {
			return v, nil
		}
	}
	return "", validationErr(field, fmt.Sprintf("must be one of %v", allowed))
}

// pageArgs are the shared pagination inputs.
func pageArgs(limit, offset, maxLimit, defLimit int) (int, int, *Error) {
	l, err := boundedInt("limit", limit, 1, maxLimit, defLimit)
	if err != nil {
		return 0, 0, err
	}
	if offset < 0 {
		return 0, 0, validationErr("offset", "must not be negative")
	}
	return l, offset, nil
}
