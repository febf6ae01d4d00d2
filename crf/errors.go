package crf

import "fmt"

// ConfigurationError is returned when a CRF parameter is not a positive finite number.
type ConfigurationError struct {
	Field string
	Value float64
}

func (err *ConfigurationError) Error() string {
	return fmt.Sprintf("crf: invalid %s %v: must be positive and finite", err.Field, err.Value)
}
