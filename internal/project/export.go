package project

import "github.com/automerge/automerge-go"

// ExportFormatVersion identifies the diagnostic export envelope layout.
const ExportFormatVersion = 1

// Export wraps a projection for diagnostic tooling. Importing an export
// into a fresh document reproduces the same logical content, though not the
// same physical CRDT internals.
type Export struct {
	FormatVersion     int   `json:"formatVersion"`
	ExportedAtSeconds int64 `json:"exportedAt_s"`
	Project           Tree  `json:"project"`
}

// NewExport stamps a projection with the current format version and time.
func NewExport(tree Tree, nowSeconds int64) Export {
	return Export{
		FormatVersion:     ExportFormatVersion,
		ExportedAtSeconds: nowSeconds,
		Project:           tree,
	}
}

// Import writes a projected tree into a document. Identifiers are
// revalidated on the way in; the write set is the same one the gateway
// uses, so imported content merges like any other update.
func Import(doc *automerge.Doc, tree Tree) error {
	if err := EnsureShape(doc); err != nil {
		return err
	}
	if len(tree.Meta) > 0 {
		if err := MergeMeta(doc, tree.Meta); err != nil {
			return err
		}
	}
	for _, member := range tree.Members {
		userID, err := NewMemberUserID(member.UserID)
		if err != nil {
			return err
		}
		if err := PutMember(doc, Member{
			UserID:          userID,
			Role:            member.Role,
			JoinedAtSeconds: member.JoinedAtSeconds,
			Name:            member.Name,
			Email:           member.Email,
			DisplayName:     member.DisplayName,
			Image:           member.Image,
		}); err != nil {
			return err
		}
	}
	for _, study := range tree.Studies {
		studyID, err := NewStudyID(study.StudyID)
		if err != nil {
			return err
		}
		if err := PutStudy(doc, Study{
			StudyID:          studyID,
			Name:             study.Name,
			Description:      study.Description,
			CreatedAtSeconds: study.CreatedAtSeconds,
			UpdatedAtSeconds: study.UpdatedAtSeconds,
			Authors:          study.Authors,
			Journal:          study.Journal,
			DOI:              study.DOI,
			Abstract:         study.Abstract,
			PDFSource:        study.PDFSource,
			PDFAccessible:    study.PDFAccessible,
			Reviewers:        study.Reviewers,
			Reconciliation:   study.Reconciliation,
		}); err != nil {
			return err
		}
		for _, checklist := range study.Checklists {
			checklistID, err := NewChecklistID(checklist.ChecklistID)
			if err != nil {
				return err
			}
			if err := PutChecklist(doc, studyID, Checklist{
				ChecklistID:      checklistID,
				Type:             checklist.Type,
				Title:            checklist.Title,
				AssignedTo:       checklist.AssignedTo,
				Status:           checklist.Status,
				CreatedAtSeconds: checklist.CreatedAtSeconds,
				UpdatedAtSeconds: checklist.UpdatedAtSeconds,
				Answers:          checklist.Answers,
			}, checklist.UpdatedAtSeconds); err != nil {
				return err
			}
		}
		for _, attachment := range study.PDFs {
			fileName, err := NewFileName(attachment.FileName)
			if err != nil {
				return err
			}
			if err := AttachPDF(doc, studyID, Attachment{
				Key:               attachment.Key,
				FileName:          fileName,
				Size:              attachment.Size,
				UploadedBy:        attachment.UploadedBy,
				UploadedAtSeconds: attachment.UploadedAtSeconds,
			}, study.Name, attachment.UploadedAtSeconds); err != nil {
				return err
			}
		}
		// Nested writes touched the study stamp; restore the exported value.
		if err := TouchStudy(doc, studyID, study.UpdatedAtSeconds); err != nil {
			return err
		}
	}
	return nil
}
