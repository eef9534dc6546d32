// Package project defines the collaborative project document: its typed
// identifiers and records, the writers that mutate the replicated document,
// and the hierarchical projection served over plain HTTP.
package project

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidProjectID indicates that a project identifier is empty or exceeds storage bounds.
	ErrInvalidProjectID = errors.New("project: invalid project id")
	// ErrInvalidStudyID indicates that a study identifier is empty or exceeds storage bounds.
	ErrInvalidStudyID = errors.New("project: invalid study id")
	// ErrInvalidChecklistID indicates that a checklist identifier is empty or exceeds storage bounds.
	ErrInvalidChecklistID = errors.New("project: invalid checklist id")
	// ErrInvalidMemberUserID indicates that a member user identifier is empty or exceeds storage bounds.
	ErrInvalidMemberUserID = errors.New("project: invalid member user id")
	// ErrInvalidFileName indicates that an attachment file name is empty or malformed.
	ErrInvalidFileName = errors.New("project: invalid file name")
	// ErrMemberNotFound indicates that a member record does not exist in the document.
	ErrMemberNotFound = errors.New("project: member not found")
)

// ProjectID represents a validated project identifier.
type ProjectID string

// NewProjectID validates raw input and returns a ProjectID.
func NewProjectID(rawInput string) (ProjectID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidProjectID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidProjectID, maxIdentifierLength)
	}
	return ProjectID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ProjectID) String() string {
	return string(id)
}

// StudyID represents a validated study identifier.
type StudyID string

// NewStudyID validates raw input and returns a StudyID.
func NewStudyID(rawInput string) (StudyID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidStudyID)
	}
	if strings.ContainsAny(trimmed, "/\\") {
		return "", fmt.Errorf("%w: contains path separators", ErrInvalidStudyID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidStudyID, maxIdentifierLength)
	}
	return StudyID(trimmed), nil
}

// String returns the underlying string identifier.
func (id StudyID) String() string {
	return string(id)
}

// ChecklistID represents a validated checklist identifier.
type ChecklistID string

// NewChecklistID validates raw input and returns a ChecklistID.
func NewChecklistID(rawInput string) (ChecklistID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidChecklistID)
	}
	if strings.ContainsAny(trimmed, "/\\") {
		return "", fmt.Errorf("%w: contains path separators", ErrInvalidChecklistID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidChecklistID, maxIdentifierLength)
	}
	return ChecklistID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ChecklistID) String() string {
	return string(id)
}

// MemberUserID represents a validated member user identifier.
type MemberUserID string

// NewMemberUserID validates raw input and returns a MemberUserID.
func NewMemberUserID(rawInput string) (MemberUserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidMemberUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidMemberUserID, maxIdentifierLength)
	}
	return MemberUserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id MemberUserID) String() string {
	return string(id)
}

// FileName represents a validated attachment file name.
type FileName string

// NewFileName validates raw input and returns a FileName.
func NewFileName(rawInput string) (FileName, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidFileName)
	}
	if strings.ContainsAny(trimmed, "/\\") {
		return "", fmt.Errorf("%w: contains path separators", ErrInvalidFileName)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidFileName, maxIdentifierLength)
	}
	return FileName(trimmed), nil
}

// String returns the underlying file name.
func (f FileName) String() string {
	return string(f)
}

// Member is a project membership record, replaced wholesale on write.
type Member struct {
	UserID          MemberUserID
	Role            string
	JoinedAtSeconds int64
	Name            string
	Email           string
	DisplayName     string
	Image           string
}

// Checklist is one appraisal checklist attached to a study. Answers are
// keyed by question id and their shape depends on Type; this layer stores
// and merges them without interpreting them.
type Checklist struct {
	ChecklistID      ChecklistID
	Type             string
	Title            string
	AssignedTo       string
	Status           string
	CreatedAtSeconds int64
	UpdatedAtSeconds int64
	Answers          map[string]any
}

// Attachment is PDF metadata; the binary lives in external object storage.
type Attachment struct {
	Key               string
	FileName          FileName
	Size              int64
	UploadedBy        string
	UploadedAtSeconds int64
}

// Study is one review/study record inside a project.
type Study struct {
	StudyID          StudyID
	Name             string
	Description      string
	CreatedAtSeconds int64
	UpdatedAtSeconds int64
	Authors          string
	Journal          string
	DOI              string
	Abstract         string
	PDFSource        string
	PDFAccessible    bool
	Reviewers        []string
	Reconciliation   map[string]any
}
