package api

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// ValidationError represents a rejected request parameter.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

const (
	minKeywordLength = 2
	maxQueryLength   = 100
)

// parseLimit returns def for an empty value and caps the result at max.
func parseLimit(raw string, def, max int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, ValidationError{Field: "limit", Message: "must be a positive integer"}
	}
	if n > max {
		n = max
	}
	return n, nil
}

func validateSearch(keyword, location string) error {
	keyword = strings.TrimSpace(keyword)
	if utf8.RuneCountInString(keyword) < minKeywordLength {
		return ValidationError{Field: "keyword", Message: fmt.Sprintf("must be at least %d characters", minKeywordLength)}
	}
	if utf8.RuneCountInString(keyword) > maxQueryLength {
		return ValidationError{Field: "keyword", Message: fmt.Sprintf("must be at most %d characters", maxQueryLength)}
	}
	if utf8.RuneCountInString(location) > maxQueryLength {
		return ValidationError{Field: "location", Message: fmt.Sprintf("must be at most %d characters", maxQueryLength)}
	}
	return nil
}
