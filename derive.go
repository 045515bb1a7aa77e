package nwloader

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
)

var nameRe = regexp.MustCompile("^" + nameCharClass + "$")

// validateName checks a loader name against the permitted
// character class: non-empty, [A-Za-z0-9:_\-\.\[\]]+.
func validateName(name string) error {
	if name == "" || !nameRe.MatchString(name) {
		return &ValidationError{Field: "name", Reason: fmt.Sprintf("%q must match %s and be non-empty", name, nameCharClass)}
	}
	return nil
}

// derive produces the caller-facing base key for a Load call's arguments.
//
//   - Exactly one argument that is a string, or any Go integer/float type,
//     is used directly (its string form).
//   - Otherwise the single argument (or, for zero or several arguments,
//     the whole argument list) is canonicalized to JSON and hashed with
//     MD5, hex-encoded.
func derive(args []any) (string, error) {
	if len(args) == 1 {
		if s, ok := scalarString(args[0]); ok {
			return s, nil
		}
	}
	return hashArgs(args)
}

// scalarString returns the direct string form of v when v is a string or a
// number, and false otherwise.
func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return fmt.Sprintf("%v", t), true
	default:
		return "", false
	}
}

func hashArgs(args []any) (string, error) {
	var canon any = args
	if len(args) == 1 {
		canon = args[0]
	}
	b, err := json.Marshal(canon)
	if err != nil {
		return "", fmt.Errorf("nwloader: derive key: %w", err)
	}
	sum := md5.Sum(b) //nolint:gosec // content-addressing, not a security boundary
	return hex.EncodeToString(sum[:]), nil
}
