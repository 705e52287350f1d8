package utils

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/ttacon/libphonenumber"
)

// DefaultCountryCode is used to parse phone numbers that carry no + prefix.
func DefaultCountryCode() string {
	if v := strings.TrimSpace(os.Getenv("PHONE_DEFAULT_REGION")); v != "" {
		return strings.ToUpper(v)
	}
	return "US"
}

// NormalizePhoneNumber parses phone in the given region and returns E.164.
// An empty input stays empty.
func NormalizePhoneNumber(phone, countryCode string) (string, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return "", nil
	}
	p, err := libphonenumber.Parse(phone, countryCode)
	if err != nil {
		return "", err
	}
	if !libphonenumber.IsValidNumber(p) {
		return "", fmt.Errorf("phone number is not valid")
	}
	return libphonenumber.Format(p, libphonenumber.E164), nil
}

// NormalizeName is the inventory name key: trimmed and lower-cased.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// TempIdPrefix marks client-generated ids that the server has not assigned yet.
const TempIdPrefix = "temp-"

func IsTempId(id string) bool {
	return id == "" || strings.HasPrefix(id, TempIdPrefix)
}

func NewTempId() string {
	return TempIdPrefix + uuid.NewString()
}

// ServerId returns id if it is a server id, otherwise a fresh uuid.
func ServerId(id string) string {
	if IsTempId(id) {
		return uuid.NewString()
	}
	return id
}

func NewTrue() *bool {
	b := true
	return &b
}

func NewFalse() *bool {
	b := false
	return &b
}

func UniqueSlice[T comparable](in []T) []T {
	seen := make(map[T]struct{}, len(in))
	out := make([]T, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func FirstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// JoinErrors is errors.Join that returns nil on an all-nil input.
func JoinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
