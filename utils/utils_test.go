package utils

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

func TestTempIds(t *testing.T) {
	id := NewTempId()
	if !strings.HasPrefix(id, TempIdPrefix) || !IsTempId(id) {
		t.Fatalf("NewTempId() = %q", id)
	}
	if !IsTempId("") {
		t.Fatalf("empty id must count as unassigned")
	}
	if IsTempId("0b8f5c9e-0000-4000-8000-000000000000") {
		t.Fatalf("server id reported as temporary")
	}
	if got := ServerId("abc"); got != "abc" {
		t.Fatalf("ServerId kept server id as %q", got)
	}
	if got := ServerId(id); got == id || IsTempId(got) {
		t.Fatalf("ServerId(%q) = %q", id, got)
	}
}

func TestNormalizeName(t *testing.T) {
	if got := NormalizeName("  Spray Foam Primer "); got != "spray foam primer" {
		t.Fatalf("NormalizeName = %q", got)
	}
	if NormalizeName("PRIMER") != NormalizeName("primer ") {
		t.Fatalf("case and surrounding spaces must not matter")
	}
}

func TestNormalizePhoneNumber(t *testing.T) {
	got, err := NormalizePhoneNumber("(415) 555-2671", "US")
	if err != nil {
		t.Fatalf("NormalizePhoneNumber: %v", err)
	}
	if got != "+14155552671" {
		t.Fatalf("got %q", got)
	}
	if got, err := NormalizePhoneNumber("  ", "US"); err != nil || got != "" {
		t.Fatalf("blank phone: %q %v", got, err)
	}
	if _, err := NormalizePhoneNumber("12", "US"); err == nil {
		t.Fatalf("expected error for short number")
	}
}

func TestCrewToken(t *testing.T) {
	now := time.Now()
	tok, err := CrewTokenGenerate("s3cret", "org-1", time.Hour, now)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	claims, err := CrewTokenValidate("s3cret", tok)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.OrganizationId != "org-1" || claims.Role != RoleCrew {
		t.Fatalf("claims = %+v", claims)
	}

	if _, err := CrewTokenValidate("other", tok); !errors.Is(err, ErrInvalidCrewToken) {
		t.Fatalf("wrong secret: %v", err)
	}
	expired, _ := CrewTokenGenerate("s3cret", "org-1", time.Minute, now.Add(-time.Hour))
	if _, err := CrewTokenValidate("s3cret", expired); !errors.Is(err, ErrInvalidCrewToken) {
		t.Fatalf("expired token accepted: %v", err)
	}
	if _, err := CrewTokenGenerate("", "org-1", time.Hour, now); err == nil {
		t.Fatalf("empty secret must fail")
	}
	if _, err := CrewTokenValidate("", tok); err == nil {
		t.Fatalf("empty secret must reject")
	}
}

func TestStoreErrors(t *testing.T) {
	deadlock := fmt.Errorf("update: %w", &mysqlDriver.MySQLError{Number: 1213})
	if !IsTransientStoreErr(deadlock) {
		t.Fatalf("deadlock should be transient")
	}
	if !IsTransientStoreErr(&mysqlDriver.MySQLError{Number: 1205}) {
		t.Fatalf("lock wait should be transient")
	}
	if !IsTransientStoreErr(mysqlDriver.ErrInvalidConn) {
		t.Fatalf("invalid conn should be transient")
	}
	if IsTransientStoreErr(&mysqlDriver.MySQLError{Number: 1062}) || IsTransientStoreErr(nil) {
		t.Fatalf("duplicate key and nil are not transient")
	}
	if !IsDuplicateKeyErr(&mysqlDriver.MySQLError{Number: 1062}) {
		t.Fatalf("1062 is a duplicate key")
	}
	if !IsNotFound(gorm.ErrRecordNotFound) || !IsNotFound(fmt.Errorf("x: %w", ErrorRecordNotFound)) {
		t.Fatalf("IsNotFound")
	}
}

type sample struct {
	Name string `validate:"required,max=5"`
	Pin  string `validate:"omitempty,numeric"`
}

func TestValidateStruct(t *testing.T) {
	if err := ValidateStruct(&sample{Name: "ok"}); err != nil {
		t.Fatalf("valid struct: %v", err)
	}
	err := ValidateStruct(&sample{Name: "toolong", Pin: "12a"})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if ve.Fields["Name"] != "max" || ve.Fields["Pin"] != "numeric" {
		t.Fatalf("fields = %v", ve.Fields)
	}
	if !strings.HasPrefix(ve.Error(), "validation failed: Name:max, Pin:numeric") {
		t.Fatalf("Error() = %q", ve.Error())
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := SetOrganizationIdInContext(context.Background(), "org-1")
	ctx = SetRoleInContext(ctx, RoleAdmin)
	if v, ok := GetOrganizationIdFromContext(ctx); !ok || v != "org-1" {
		t.Fatalf("organization id = %q %v", v, ok)
	}
	if v, ok := GetRoleFromContext(ctx); !ok || v != RoleAdmin {
		t.Fatalf("role = %q %v", v, ok)
	}
	if _, ok := GetTokenFromContext(ctx); ok {
		t.Fatalf("token should be unset")
	}
	if v, _ := GetTokenFromContext(SetTokenInContext(ctx, "abc")); v != "abc" {
		t.Fatalf("token = %q", v)
	}
	sys := SystemContext(context.Background())
	if v, _ := GetUsernameFromContext(sys); v != "System" {
		t.Fatalf("system username = %q", v)
	}
}

func TestUniqueSliceAndJoin(t *testing.T) {
	got := UniqueSlice([]string{"a", "b", "a", "c", "b"})
	if strings.Join(got, ",") != "a,b,c" {
		t.Fatalf("UniqueSlice = %v", got)
	}
	if JoinErrors(nil) != nil {
		t.Fatalf("JoinErrors(nil) must be nil")
	}
	if FirstError(nil, errors.New("x"), errors.New("y")).Error() != "x" {
		t.Fatalf("FirstError")
	}
}
