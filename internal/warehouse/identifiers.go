package warehouse

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/imaginglake/backend/internal/faults"
)

// SQL here is composed from fixed templates; the only substituted text is
// identifiers (project, dataset, table, JSON paths). Values always travel as
// bound parameters. These grammars are the gate every identifier passes
// before substitution.
var (
	identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	projectPattern    = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9-:.]*$`)
)

func unsafeIdentifier(kind, value string) error {
	return &faults.Fault{
		Kind:   faults.KindInvalidInput,
		Status: http.StatusBadRequest,
		Err:    &identifierError{kind: kind, value: value},
	}
}

type identifierError struct{ kind, value string }

func (e *identifierError) Error() string {
	return "unsafe " + e.kind + " identifier: " + e.value
}

// ValidateIdentifier checks a dataset or table identifier.
func ValidateIdentifier(name string) error {
	if !identifierPattern.MatchString(name) {
		return unsafeIdentifier("table", name)
	}
	return nil
}

// ValidateProject checks a project identifier.
func ValidateProject(name string) error {
	if !projectPattern.MatchString(name) {
		return unsafeIdentifier("project", name)
	}
	return nil
}

// ValidateJSONPath checks a metadata JSON path suffix: each dot-separated
// segment must itself be a plain identifier.
func ValidateJSONPath(path string) error {
	if path == "" {
		return unsafeIdentifier("json path", path)
	}
	for _, seg := range strings.Split(path, ".") {
		if !identifierPattern.MatchString(seg) {
			return unsafeIdentifier("json path", path)
		}
	}
	return nil
}

// tableRef builds the fully-qualified, backtick-quoted table reference after
// validating every part.
func tableRef(project, dataset, table string) (string, error) {
	if err := ValidateProject(project); err != nil {
		return "", err
	}
	if err := ValidateIdentifier(dataset); err != nil {
		return "", err
	}
	if err := ValidateIdentifier(table); err != nil {
		return "", err
	}
	return "`" + project + "." + dataset + "." + table + "`", nil
}
