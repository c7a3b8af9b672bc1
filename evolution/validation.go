/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package evolution

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// IssueType defines possible values for categories of plan validation findings.
type IssueType string

// Plan validation issue types.
const (
	IssueBreakingChange    IssueType = "breaking_change"
	IssueDataLoss          IssueType = "data_loss"
	IssueNoRollback        IssueType = "no_rollback"
	IssuePerformanceImpact IssueType = "performance_impact"
	IssueDependencyMissing IssueType = "dependency_missing"
	IssueVersionMismatch   IssueType = "version_mismatch"
)

// IssueSeverity defines possible values for the severity of a validation issue.
type IssueSeverity string

// Validation issue severities. Only error-severity issues make a plan invalid.
const (
	SeverityError   IssueSeverity = "error"
	SeverityWarning IssueSeverity = "warning"
)

// ValidationIssue is a single finding of plan validation.
type ValidationIssue struct {
	Type       IssueType
	Severity   IssueSeverity
	Message    string
	Mitigation string
}

// ValidationResult aggregates plan validation findings. IsValid is true when no
// error-severity issue was found; warnings never block execution and are returned
// to the caller for an explicit decision.
type ValidationResult struct {
	IsValid         bool
	Issues          []ValidationIssue
	Warnings        []ValidationIssue
	Recommendations []string
}

func (r *ValidationResult) add(issue ValidationIssue) {
	if issue.Severity == SeverityError {
		r.Issues = append(r.Issues, issue)
		r.IsValid = false
		return
	}
	r.Warnings = append(r.Warnings, issue)
}

// IssueMessages returns the messages of all error-severity issues.
func (r *ValidationResult) IssueMessages() []string {
	messages := make([]string, 0, len(r.Issues))
	for _, issue := range r.Issues {
		messages = append(messages, issue.Message)
	}
	return messages
}

// PreMigrationValidator gates migration execution. The default implementation
// checks the required version and declared dependencies against the bookkeeping
// tables; tests and callers may inject their own via WithPreMigrationValidator.
type PreMigrationValidator interface {
	ValidatePreMigration(ctx context.Context, q Querier, migration *Migration) error
}

type defaultPreMigrationValidator struct {
	recordsTable string
}

func (v *defaultPreMigrationValidator) ValidatePreMigration(ctx context.Context, q Querier, migration *Migration) error {
	if migration.RequiredVersion != "" {
		current, err := queryCurrentVersion(ctx, q, v.recordsTable)
		if err != nil {
			return err
		}
		if current != migration.RequiredVersion {
			return fmt.Errorf("migration %s requires version %s, current version is %q",
				migration.Version, migration.RequiredVersion, current)
		}
	}

	if len(migration.Dependencies) == 0 {
		return nil
	}

	records, err := queryHistory(ctx, q, v.recordsTable)
	if err != nil {
		return err
	}
	applied := make(map[string]struct{}, len(records))
	for i := range records {
		applied[records[i].Version] = struct{}{}
	}
	for _, dep := range migration.Dependencies {
		if _, ok := applied[dep]; !ok {
			return fmt.Errorf("migration %s depends on %s which is not applied", migration.Version, dep)
		}
	}
	return nil
}

var (
	dropTableRegexp   = regexp.MustCompile(`(?i)\bDROP\s+TABLE\b`)
	dropColumnRegexp  = regexp.MustCompile(`(?i)\bDROP\s+COLUMN\b`)
	alterTypeRegexp   = regexp.MustCompile(`(?i)\bALTER\s+COLUMN\s+\w+\s+(SET\s+DATA\s+)?TYPE\b`)
	truncateRegexp    = regexp.MustCompile(`(?i)\bTRUNCATE\b`)
	deleteFromRegexp  = regexp.MustCompile(`(?i)\bDELETE\s+FROM\b`)
	whereRegexp       = regexp.MustCompile(`(?i)\bWHERE\b`)
	createIndexRegexp = regexp.MustCompile(`(?i)\bCREATE\s+(UNIQUE\s+)?INDEX\b`)
	concurrentRegexp  = regexp.MustCompile(`(?i)\bCONCURRENTLY\b`)
	updateRegexp      = regexp.MustCompile(`(?i)\bUPDATE\b`)
)

// ValidatePlan inspects a migration for breaking changes, data-loss risk,
// performance impact and rollback capability. Breaking changes covered by a
// declared backward-compatibility setup are reported as warnings instead of
// blocking errors.
func (m *Manager) ValidatePlan(ctx context.Context, migration *Migration) *ValidationResult {
	result := &ValidationResult{IsValid: true}

	hasCompat := migration.BackwardCompatibility != nil && len(migration.BackwardCompatibility.Shims) > 0

	for si := range migration.Stages {
		stage := &migration.Stages[si]
		for _, step := range stage.Steps {
			m.checkStepSQL(result, stage.Name, step.SQL, hasCompat)
		}
	}

	if migration.DataMigration != nil && len(migration.DataMigration.Operations) > 0 {
		result.add(ValidationIssue{
			Type:     IssuePerformanceImpact,
			Severity: SeverityWarning,
			Message: fmt.Sprintf("migration %s moves data in %d batched operation(s); expect prolonged elevated load",
				migration.Version, len(migration.DataMigration.Operations)),
			Mitigation: "run during a low-traffic window and monitor replication lag",
		})
		result.Recommendations = append(result.Recommendations,
			"test the batched data migration against a production-sized dataset")
	}

	if migration.Rollback == nil || len(migration.Rollback.Steps) == 0 {
		result.add(ValidationIssue{
			Type:       IssueNoRollback,
			Severity:   SeverityWarning,
			Message:    fmt.Sprintf("migration %s declares no rollback steps", migration.Version),
			Mitigation: "add a rollback configuration so the migration can be reversed",
		})
	}

	if hasCompat && migration.CleanupDelay == 0 {
		result.Recommendations = append(result.Recommendations,
			"set a cleanup delay so backward-compatibility shims are removed automatically")
	}

	m.logValidation(ctx, migration.Version, result)
	return result
}

func (m *Manager) checkStepSQL(result *ValidationResult, stageName, stmt string, hasCompat bool) {
	breakingSeverity := SeverityError
	breakingMitigation := "declare a backward-compatibility setup preserving old access patterns"
	if hasCompat {
		breakingSeverity = SeverityWarning
		breakingMitigation = "verify the declared compatibility shims cover all old access patterns"
	}

	if dropTableRegexp.MatchString(stmt) {
		result.add(ValidationIssue{
			Type:       IssueDataLoss,
			Severity:   SeverityError,
			Message:    fmt.Sprintf("stage %q drops a table; data will be lost", stageName),
			Mitigation: "archive the table contents before dropping, or defer the drop to a later migration",
		})
		return
	}
	if truncateRegexp.MatchString(stmt) {
		result.add(ValidationIssue{
			Type:       IssueDataLoss,
			Severity:   SeverityError,
			Message:    fmt.Sprintf("stage %q truncates a table; data will be lost", stageName),
			Mitigation: "archive the table contents first",
		})
		return
	}
	if deleteFromRegexp.MatchString(stmt) && !whereRegexp.MatchString(stmt) {
		result.add(ValidationIssue{
			Type:       IssueDataLoss,
			Severity:   SeverityError,
			Message:    fmt.Sprintf("stage %q deletes rows without a WHERE clause", stageName),
			Mitigation: "add a filter or use TRUNCATE deliberately with an archive step",
		})
		return
	}
	if dropColumnRegexp.MatchString(stmt) {
		result.add(ValidationIssue{
			Type:       IssueBreakingChange,
			Severity:   breakingSeverity,
			Message:    fmt.Sprintf("stage %q drops a column; readers of the old schema will break", stageName),
			Mitigation: breakingMitigation,
		})
	}
	if alterTypeRegexp.MatchString(stmt) {
		result.add(ValidationIssue{
			Type:       IssueBreakingChange,
			Severity:   breakingSeverity,
			Message:    fmt.Sprintf("stage %q changes a column type; readers of the old schema may break", stageName),
			Mitigation: breakingMitigation,
		})
	}
	if createIndexRegexp.MatchString(stmt) && !concurrentRegexp.MatchString(stmt) {
		result.add(ValidationIssue{
			Type:       IssuePerformanceImpact,
			Severity:   SeverityWarning,
			Message:    fmt.Sprintf("stage %q builds an index without CONCURRENTLY; writes will be blocked", stageName),
			Mitigation: "use CREATE INDEX CONCURRENTLY",
		})
	}
	if updateRegexp.MatchString(stmt) && !whereRegexp.MatchString(stmt) &&
		!strings.Contains(stmt, LimitPlaceholder) {
		result.add(ValidationIssue{
			Type:       IssuePerformanceImpact,
			Severity:   SeverityWarning,
			Message:    fmt.Sprintf("stage %q updates rows without a WHERE clause; the whole table will be rewritten", stageName),
			Mitigation: "batch the update via a data migration operation",
		})
	}
}

func (m *Manager) logValidation(ctx context.Context, version string, result *ValidationResult) {
	started := m.now()
	entry := &LogEntry{
		MigrationVersion: version,
		OperationType:    OperationValidate,
		StartedAt:        started,
		CompletedAt:      m.now(),
		Success:          result.IsValid,
		Metadata: fmt.Sprintf(`{"issues":%d,"warnings":%d}`,
			len(result.Issues), len(result.Warnings)),
	}
	if !result.IsValid {
		entry.ErrorMessage = strings.Join(result.IssueMessages(), "; ")
	}
	if err := insertLogEntry(ctx, m.db, m.logTable, entry); err != nil {
		m.logger.Warn(fmt.Sprintf("failed to log validation for migration %s: %v", version, err))
	}
}
