package project

import (
	"fmt"
	"strings"

	"github.com/automerge/automerge-go"
)

// Map names inside the replicated document. Studies, checklists, answers
// and attachments live in flat root-level maps keyed by "/"-joined
// identifier paths rather than nested per-study objects: two actors that
// concurrently create a map object at the same key each produce a distinct
// object, automerge keeps only one, and writes inside the losing object
// vanish after a merge. Flat keys inside maps created once at document
// birth make every concurrent entry write land in the same object, so
// racing writers converge without any conflict inspection.
const (
	rootMeta       = "meta"
	rootMembers    = "members"
	rootStudies    = "studies"
	rootChecklists = "checklists"
	rootPDFs       = "pdfs"
	rootAnswers    = "answers"

	fieldUpdatedAtSeconds = "updatedAt_s"
	fieldCreatedAtSeconds = "createdAt_s"

	// PlaceholderStudyName labels studies synthesized by an attachment
	// arriving before the study record itself.
	PlaceholderStudyName = "Untitled Study"
)

// EnsureShape creates the root maps when absent. Every writer calls it so
// that partially-initialized documents never fail entry writes. The shape
// is written exactly once per document lifetime, by the actor that creates
// it; replicas hydrate from its snapshot and therefore share the map
// objects.
func EnsureShape(doc *automerge.Doc) error {
	for _, name := range []string{rootMeta, rootMembers, rootStudies, rootChecklists, rootPDFs, rootAnswers} {
		if err := ensureMapAt(doc, name); err != nil {
			return err
		}
	}
	return nil
}

func ensureMapAt(doc *automerge.Doc, path ...any) error {
	value, err := doc.Path(path...).Get()
	if err != nil {
		return fmt.Errorf("project: reading %v: %w", path, err)
	}
	if value.Kind() == automerge.KindMap {
		return nil
	}
	if err := doc.Path(path...).Set(map[string]any{}); err != nil {
		return fmt.Errorf("project: creating map at %v: %w", path, err)
	}
	return nil
}

func mapExistsAt(doc *automerge.Doc, path ...any) (bool, error) {
	value, err := doc.Path(path...).Get()
	if err != nil {
		return false, fmt.Errorf("project: reading %v: %w", path, err)
	}
	return value.Kind() == automerge.KindMap, nil
}

// scopedKey joins identifier segments into a flat map key. Identifier
// constructors reject "/" so the join is unambiguous.
func scopedKey(segments ...string) string {
	return strings.Join(segments, "/")
}

// MergeMeta writes the provided meta keys, leaving absent keys untouched.
func MergeMeta(doc *automerge.Doc, values map[string]any) error {
	if err := EnsureShape(doc); err != nil {
		return err
	}
	for key, value := range values {
		if err := doc.Path(rootMeta, key).Set(value); err != nil {
			return fmt.Errorf("project: setting meta %q: %w", key, err)
		}
	}
	return nil
}

// PutMember writes a whole membership record, replacing any existing one.
func PutMember(doc *automerge.Doc, member Member) error {
	if err := EnsureShape(doc); err != nil {
		return err
	}
	record := map[string]any{
		"role":        member.Role,
		"joinedAt_s":  member.JoinedAtSeconds,
		"name":        member.Name,
		"email":       member.Email,
		"displayName": member.DisplayName,
		"image":       member.Image,
	}
	if err := doc.Path(rootMembers, member.UserID.String()).Set(record); err != nil {
		return fmt.Errorf("project: putting member %s: %w", member.UserID, err)
	}
	return nil
}

// PatchMemberRole updates only the role of an existing member.
func PatchMemberRole(doc *automerge.Doc, userID MemberUserID, role string) error {
	exists, err := mapExistsAt(doc, rootMembers, userID.String())
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrMemberNotFound, userID)
	}
	if err := doc.Path(rootMembers, userID.String(), "role").Set(role); err != nil {
		return fmt.Errorf("project: patching member role %s: %w", userID, err)
	}
	return nil
}

// RemoveMember deletes a membership record. Removing an absent member is a
// no-op so that gateway retries converge.
func RemoveMember(doc *automerge.Doc, userID MemberUserID) error {
	if err := EnsureShape(doc); err != nil {
		return err
	}
	members := doc.Path(rootMembers).Map()
	if err := members.Delete(userID.String()); err != nil {
		return fmt.Errorf("project: removing member %s: %w", userID, err)
	}
	return nil
}

// ReplaceMembers removes every current member and inserts the given list.
func ReplaceMembers(doc *automerge.Doc, members []Member) error {
	if err := EnsureShape(doc); err != nil {
		return err
	}
	current := doc.Path(rootMembers).Map()
	keys, err := current.Keys()
	if err != nil {
		return fmt.Errorf("project: listing members: %w", err)
	}
	for _, key := range keys {
		if err := current.Delete(key); err != nil {
			return fmt.Errorf("project: clearing member %q: %w", key, err)
		}
	}
	for _, member := range members {
		if err := PutMember(doc, member); err != nil {
			return err
		}
	}
	return nil
}

// EnsureStudy guarantees a study record exists. When the study has not been
// seen a minimal placeholder is synthesized. Two actors racing to create
// the same study id each write an equivalent placeholder record; the
// tie-broken survivor carries the same content, and their entry writes land
// in the shared flat maps, so both attachments survive the merge.
func EnsureStudy(doc *automerge.Doc, studyID StudyID, fallbackName string, nowSeconds int64) error {
	if err := EnsureShape(doc); err != nil {
		return err
	}
	exists, err := mapExistsAt(doc, rootStudies, studyID.String())
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	name := fallbackName
	if name == "" {
		name = PlaceholderStudyName
	}
	record := map[string]any{
		"name":                name,
		"description":         "",
		fieldCreatedAtSeconds: nowSeconds,
		fieldUpdatedAtSeconds: nowSeconds,
	}
	if err := doc.Path(rootStudies, studyID.String()).Set(record); err != nil {
		return fmt.Errorf("project: creating study %s: %w", studyID, err)
	}
	return nil
}

// PutStudy writes a study's scalar fields one by one so that concurrent
// edits to different fields both survive.
func PutStudy(doc *automerge.Doc, study Study) error {
	if err := EnsureStudy(doc, study.StudyID, study.Name, study.CreatedAtSeconds); err != nil {
		return err
	}
	base := []any{rootStudies, study.StudyID.String()}
	fields := map[string]any{
		"name":                study.Name,
		"description":         study.Description,
		fieldCreatedAtSeconds: study.CreatedAtSeconds,
		fieldUpdatedAtSeconds: study.UpdatedAtSeconds,
		"authors":             study.Authors,
		"journal":             study.Journal,
		"doi":                 study.DOI,
		"abstract":            study.Abstract,
		"pdfSource":           study.PDFSource,
		"pdfAccessible":       study.PDFAccessible,
	}
	for key, value := range fields {
		if err := doc.Path(append(base, key)...).Set(value); err != nil {
			return fmt.Errorf("project: setting study field %q: %w", key, err)
		}
	}
	if study.Reviewers != nil {
		reviewers := make([]any, 0, len(study.Reviewers))
		for _, reviewer := range study.Reviewers {
			reviewers = append(reviewers, reviewer)
		}
		if err := doc.Path(append(base, "reviewers")...).Set(reviewers); err != nil {
			return fmt.Errorf("project: setting reviewers: %w", err)
		}
	}
	if study.Reconciliation != nil {
		if err := doc.Path(append(base, "reconciliation")...).Set(study.Reconciliation); err != nil {
			return fmt.Errorf("project: setting reconciliation: %w", err)
		}
	}
	return nil
}

// TouchStudy refreshes a study's updatedAt stamp.
func TouchStudy(doc *automerge.Doc, studyID StudyID, nowSeconds int64) error {
	if err := doc.Path(rootStudies, studyID.String(), fieldUpdatedAtSeconds).Set(nowSeconds); err != nil {
		return fmt.Errorf("project: touching study %s: %w", studyID, err)
	}
	return nil
}

// PutChecklist writes a checklist record under a study, creating the study
// when absent, and refreshes the study's updatedAt stamp. The record
// replaces any prior state of the checklist, answers included.
func PutChecklist(doc *automerge.Doc, studyID StudyID, checklist Checklist, nowSeconds int64) error {
	if err := EnsureStudy(doc, studyID, "", nowSeconds); err != nil {
		return err
	}
	checklistKey := scopedKey(studyID.String(), checklist.ChecklistID.String())
	record := map[string]any{
		"type":                checklist.Type,
		"title":               checklist.Title,
		"assignedTo":          checklist.AssignedTo,
		"status":              checklist.Status,
		fieldCreatedAtSeconds: checklist.CreatedAtSeconds,
		fieldUpdatedAtSeconds: checklist.UpdatedAtSeconds,
	}
	if err := doc.Path(rootChecklists, checklistKey).Set(record); err != nil {
		return fmt.Errorf("project: putting checklist %s: %w", checklist.ChecklistID, err)
	}
	if err := clearAnswers(doc, checklistKey); err != nil {
		return err
	}
	for questionID, answer := range checklist.Answers {
		if err := doc.Path(rootAnswers, scopedKey(checklistKey, questionID)).Set(answer); err != nil {
			return fmt.Errorf("project: setting answer %q: %w", questionID, err)
		}
	}
	return TouchStudy(doc, studyID, nowSeconds)
}

func clearAnswers(doc *automerge.Doc, checklistKey string) error {
	answers := doc.Path(rootAnswers).Map()
	keys, err := answers.Keys()
	if err != nil {
		return fmt.Errorf("project: listing answers: %w", err)
	}
	prefix := checklistKey + "/"
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if err := answers.Delete(key); err != nil {
			return fmt.Errorf("project: clearing answer %q: %w", key, err)
		}
	}
	return nil
}

// PutAnswer writes one question's answer under a checklist. The answer
// shape depends on the checklist type and is stored opaquely. Concurrent
// answers to different questions merge entry by entry.
func PutAnswer(doc *automerge.Doc, studyID StudyID, checklistID ChecklistID, questionID string, answer any, nowSeconds int64) error {
	checklistKey := scopedKey(studyID.String(), checklistID.String())
	exists, err := mapExistsAt(doc, rootChecklists, checklistKey)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: checklist %s", ErrInvalidChecklistID, checklistID)
	}
	if err := doc.Path(rootAnswers, scopedKey(checklistKey, questionID)).Set(answer); err != nil {
		return fmt.Errorf("project: setting answer %q: %w", questionID, err)
	}
	if err := doc.Path(rootChecklists, checklistKey, fieldUpdatedAtSeconds).Set(nowSeconds); err != nil {
		return fmt.Errorf("project: touching checklist %s: %w", checklistID, err)
	}
	return TouchStudy(doc, studyID, nowSeconds)
}

// AttachPDF records attachment metadata under a study, synthesizing a
// placeholder study when the id has not been seen yet.
func AttachPDF(doc *automerge.Doc, studyID StudyID, attachment Attachment, fallbackStudyName string, nowSeconds int64) error {
	if err := EnsureStudy(doc, studyID, fallbackStudyName, nowSeconds); err != nil {
		return err
	}
	record := map[string]any{
		"key":          attachment.Key,
		"fileName":     attachment.FileName.String(),
		"size":         attachment.Size,
		"uploadedBy":   attachment.UploadedBy,
		"uploadedAt_s": attachment.UploadedAtSeconds,
	}
	if err := doc.Path(rootPDFs, scopedKey(studyID.String(), attachment.FileName.String())).Set(record); err != nil {
		return fmt.Errorf("project: attaching %s: %w", attachment.FileName, err)
	}
	return TouchStudy(doc, studyID, nowSeconds)
}

// RemovePDF deletes attachment metadata by file name and refreshes the
// study's updatedAt stamp.
func RemovePDF(doc *automerge.Doc, studyID StudyID, fileName FileName, nowSeconds int64) error {
	if err := EnsureStudy(doc, studyID, "", nowSeconds); err != nil {
		return err
	}
	pdfs := doc.Path(rootPDFs).Map()
	if err := pdfs.Delete(scopedKey(studyID.String(), fileName.String())); err != nil {
		return fmt.Errorf("project: removing %s: %w", fileName, err)
	}
	return TouchStudy(doc, studyID, nowSeconds)
}
