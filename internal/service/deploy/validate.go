package deploy

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/ahmedG3far44/DevPilot-server/internal/domain"
)

const (
	maxProjectName = 100
	maxDescription = 500
	maxScriptLen   = 200
	maxPathLen     = 255
	maxEnvVars     = 100
)

var (
	projectNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
	cloneURLPattern    = regexp.MustCompile(`^(https?://)?([\da-z.-]+)\.([a-z.]{2,6})([/\w .-]*)*/?$`)
	envKeyPattern      = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// EnvVarInput is an environment variable as supplied by the caller.
type EnvVarInput struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// CreateInput carries the fields accepted when creating a deployment.
type CreateInput struct {
	ProjectName    string        `json:"project_name"`
	CloneURL       string        `json:"clone_url"`
	Description    string        `json:"description"`
	PackageManager string        `json:"package_manager"`
	EnvVars        []EnvVarInput `json:"envVars"`
	RunScript      string        `json:"run_script"`
	BuildScript    string        `json:"build_script"`
	EntryFile      string        `json:"entry_file"`
	MainDirectory  string        `json:"main_directory"`
}

// UpdateInput carries metadata edits. Nil fields are left unchanged.
type UpdateInput struct {
	Description   *string        `json:"description"`
	EntryFile     *string        `json:"entry_file"`
	MainDirectory *string        `json:"main_directory"`
	EnvVars       *[]EnvVarInput `json:"envVars"`
	BuildScript   *string        `json:"build_script"`
	RunScript     *string        `json:"run_script"`
}

// Empty reports whether the update changes nothing.
func (in UpdateInput) Empty() bool {
	return in.Description == nil && in.EntryFile == nil && in.MainDirectory == nil &&
		in.EnvVars == nil && in.BuildScript == nil && in.RunScript == nil
}

func normalizeCreate(in CreateInput) (CreateInput, error) {
	in.ProjectName = strings.TrimSpace(in.ProjectName)
	in.CloneURL = strings.TrimSpace(in.CloneURL)
	in.PackageManager = strings.ToLower(strings.TrimSpace(in.PackageManager))
	in.RunScript = strings.TrimSpace(in.RunScript)
	in.BuildScript = strings.TrimSpace(in.BuildScript)
	in.EntryFile = strings.TrimSpace(in.EntryFile)
	in.MainDirectory = strings.TrimSpace(in.MainDirectory)

	if in.ProjectName == "" || in.CloneURL == "" {
		return in, invalid("project_name and clone_url", "are required")
	}
	if err := validateProjectName(in.ProjectName); err != nil {
		return in, err
	}
	if err := validateCloneURL(in.CloneURL); err != nil {
		return in, err
	}
	if err := validateDescription(in.Description); err != nil {
		return in, err
	}

	switch in.PackageManager {
	case "":
		in.PackageManager = domain.DefaultPackageManager
	case domain.PackageManagerNPM, domain.PackageManagerYarn, domain.PackageManagerPNPM:
	default:
		return in, invalid("package_manager", "must be one of npm, yarn, pnpm")
	}
	if in.RunScript == "" {
		in.RunScript = domain.DefaultRunScript
	}
	if in.EntryFile == "" {
		in.EntryFile = domain.DefaultEntryFile
	}
	if in.MainDirectory == "" {
		in.MainDirectory = domain.DefaultMainDirectory
	}
	for field, value := range map[string]string{
		"run_script":     in.RunScript,
		"build_script":   in.BuildScript,
		"entry_file":     in.EntryFile,
		"main_directory": in.MainDirectory,
	} {
		if err := validateSetting(field, value); err != nil {
			return in, err
		}
	}
	vars, err := normalizeEnvVars(in.EnvVars)
	if err != nil {
		return in, err
	}
	in.EnvVars = vars
	return in, nil
}

func normalizeUpdate(in UpdateInput) (UpdateInput, error) {
	if in.Empty() {
		return in, invalid("body", "must change at least one field")
	}
	if in.Description != nil {
		if err := validateDescription(*in.Description); err != nil {
			return in, err
		}
	}
	trimmed := func(field string, value *string, required bool) (*string, error) {
		if value == nil {
			return nil, nil
		}
		v := strings.TrimSpace(*value)
		if required && v == "" {
			return nil, invalid(field, "must not be empty")
		}
		if err := validateSetting(field, v); err != nil {
			return nil, err
		}
		return &v, nil
	}
	var err error
	if in.EntryFile, err = trimmed("entry_file", in.EntryFile, true); err != nil {
		return in, err
	}
	if in.MainDirectory, err = trimmed("main_directory", in.MainDirectory, true); err != nil {
		return in, err
	}
	if in.RunScript, err = trimmed("run_script", in.RunScript, true); err != nil {
		return in, err
	}
	if in.BuildScript, err = trimmed("build_script", in.BuildScript, false); err != nil {
		return in, err
	}
	if in.EnvVars != nil {
		vars, err := normalizeEnvVars(*in.EnvVars)
		if err != nil {
			return in, err
		}
		in.EnvVars = &vars
	}
	return in, nil
}

func validateProjectName(name string) error {
	if utf8.RuneCountInString(name) > maxProjectName {
		return invalid("project_name", "must be at most 100 characters")
	}
	if !projectNamePattern.MatchString(name) {
		return invalid("project_name", "may only contain letters, digits, '.', '_' and '-' and must start with a letter or digit")
	}
	return nil
}

func validateCloneURL(raw string) error {
	if strings.HasPrefix(raw, "-") {
		return invalid("clone_url", "must not start with '-'")
	}
	if hasControl(raw) || !cloneURLPattern.MatchString(raw) {
		return invalid("clone_url", "is not a valid clone URL")
	}
	return nil
}

func validateDescription(description string) error {
	if utf8.RuneCountInString(description) > maxDescription {
		return invalid("description", "must be at most 500 characters")
	}
	if hasControlExceptNewline(description) {
		return invalid("description", "contains control characters")
	}
	return nil
}

func validateSetting(field, value string) error {
	limit := maxPathLen
	if field == "run_script" || field == "build_script" {
		limit = maxScriptLen
	}
	if utf8.RuneCountInString(value) > limit {
		return invalid(field, "is too long")
	}
	if hasControl(value) {
		return invalid(field, "contains control characters")
	}
	return nil
}

func normalizeEnvVars(vars []EnvVarInput) ([]EnvVarInput, error) {
	if len(vars) > maxEnvVars {
		return nil, invalid("envVars", "has too many entries")
	}
	seen := make(map[string]struct{}, len(vars))
	out := make([]EnvVarInput, 0, len(vars))
	for _, v := range vars {
		key := strings.TrimSpace(v.Key)
		if !envKeyPattern.MatchString(key) {
			return nil, invalid("envVars", "key "+quoteKey(key)+" is not a valid variable name")
		}
		if _, dup := seen[key]; dup {
			return nil, invalid("envVars", "key "+quoteKey(key)+" is duplicated")
		}
		seen[key] = struct{}{}
		out = append(out, EnvVarInput{Key: key, Value: v.Value})
	}
	return out, nil
}

func quoteKey(key string) string {
	if hasControl(key) {
		return "(invalid)"
	}
	return `"` + key + `"`
}

func hasControlExceptNewline(value string) bool {
	for _, r := range value {
		if r == '\n' || r == '\r' || r == '\t' {
			continue
		}
		if r < 0x20 || r == 0x7f {
			return true
		}
	}
	return false
}
