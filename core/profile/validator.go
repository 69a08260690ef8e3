package profile

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"Prerelease/model"
)

const (
	UsernameMinLen   = 3
	UsernameMaxLen   = 20
	ArtistNameMinLen = 2
	ArtistNameMaxLen = 50
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// SetupStep 首次设置流程中的一步
type SetupStep string

const (
	StepUsername   SetupStep = "username"
	StepArtistName SetupStep = "artistName"
	StepBio        SetupStep = "bio"
)

// ValidateUsername 本地校验用户名：3-20 个字符，只允许字母、数字和下划线
func ValidateUsername(candidate string) model.ValidationResult {
	n := utf8.RuneCountInString(candidate)
	switch {
	case n == 0:
		return model.Invalid("Username is required")
	case n < UsernameMinLen:
		return model.Invalid(fmt.Sprintf("Username must be at least %d characters", UsernameMinLen))
	case n > UsernameMaxLen:
		return model.Invalid(fmt.Sprintf("Username must be at most %d characters", UsernameMaxLen))
	case !usernamePattern.MatchString(candidate):
		return model.Invalid("Username can only contain letters, numbers, and underscores")
	}
	return model.Valid()
}

// ValidateArtistName 艺名只做长度校验，不要求唯一
func ValidateArtistName(name string) model.ValidationResult {
	n := utf8.RuneCountInString(strings.TrimSpace(name))
	if n < ArtistNameMinLen || n > ArtistNameMaxLen {
		return model.Invalid(fmt.Sprintf("Artist name must be between %d and %d characters", ArtistNameMinLen, ArtistNameMaxLen))
	}
	return model.Valid()
}

// ValidateStep validates a single setup step locally. Username availability
// is not part of this; see Manager.CheckUsernameAvailability.
func ValidateStep(step SetupStep, value string) model.ValidationResult {
	switch step {
	case StepUsername:
		return ValidateUsername(value)
	case StepArtistName:
		return ValidateArtistName(value)
	case StepBio:
		return model.Valid()
	default:
		return model.Invalid(fmt.Sprintf("Unknown setup step %q", step))
	}
}

func validationErr(field string, r model.ValidationResult) error {
	if r.IsValid {
		return nil
	}
	return model.NewValidationError(field, r.ErrorMessage)
}
