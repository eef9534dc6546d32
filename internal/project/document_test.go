package project

import (
	"errors"
	"testing"

	"github.com/automerge/automerge-go"
)

func mustProjectID(t *testing.T, raw string) ProjectID {
	t.Helper()
	id, err := NewProjectID(raw)
	if err != nil {
		t.Fatalf("invalid project id %q: %v", raw, err)
	}
	return id
}

func mustStudyID(t *testing.T, raw string) StudyID {
	t.Helper()
	id, err := NewStudyID(raw)
	if err != nil {
		t.Fatalf("invalid study id %q: %v", raw, err)
	}
	return id
}

func mustChecklistID(t *testing.T, raw string) ChecklistID {
	t.Helper()
	id, err := NewChecklistID(raw)
	if err != nil {
		t.Fatalf("invalid checklist id %q: %v", raw, err)
	}
	return id
}

func mustMemberUserID(t *testing.T, raw string) MemberUserID {
	t.Helper()
	id, err := NewMemberUserID(raw)
	if err != nil {
		t.Fatalf("invalid member user id %q: %v", raw, err)
	}
	return id
}

func mustFileName(t *testing.T, raw string) FileName {
	t.Helper()
	name, err := NewFileName(raw)
	if err != nil {
		t.Fatalf("invalid file name %q: %v", raw, err)
	}
	return name
}

func projectTree(t *testing.T, doc *automerge.Doc, projectID string) Tree {
	t.Helper()
	tree, err := Project(doc, mustProjectID(t, projectID))
	if err != nil {
		t.Fatalf("projection failed: %v", err)
	}
	return tree
}

func TestIdentifierValidation(t *testing.T) {
	if _, err := NewProjectID("  "); !errors.Is(err, ErrInvalidProjectID) {
		t.Fatalf("expected ErrInvalidProjectID, got %v", err)
	}
	if _, err := NewFileName("a/b.pdf"); !errors.Is(err, ErrInvalidFileName) {
		t.Fatalf("expected ErrInvalidFileName for path separator, got %v", err)
	}
	id, err := NewProjectID("  project-1  ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.String() != "project-1" {
		t.Fatalf("expected trimmed id, got %q", id)
	}
}

func TestProjectionOfEmptyDocument(t *testing.T) {
	doc := automerge.New()

	tree := projectTree(t, doc, "project-1")
	if tree.ID != "project-1" {
		t.Fatalf("unexpected id %q", tree.ID)
	}
	if len(tree.Members) != 0 || len(tree.Studies) != 0 {
		t.Fatalf("expected empty collections, got %#v", tree)
	}
}

func TestMergeMetaIsSparse(t *testing.T) {
	doc := automerge.New()

	if err := MergeMeta(doc, map[string]any{"name": "Review", "description": "first"}); err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if err := MergeMeta(doc, map[string]any{"description": "second"}); err != nil {
		t.Fatalf("merge failed: %v", err)
	}

	tree := projectTree(t, doc, "project-1")
	if tree.Meta["name"] != "Review" {
		t.Fatalf("expected untouched key to survive, got %#v", tree.Meta)
	}
	if tree.Meta["description"] != "second" {
		t.Fatalf("expected overwritten key, got %#v", tree.Meta)
	}
}

func TestMemberLifecycle(t *testing.T) {
	doc := automerge.New()
	userID := mustMemberUserID(t, "user-1")

	if err := PutMember(doc, Member{UserID: userID, Role: "owner", DisplayName: "Ada"}); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := PatchMemberRole(doc, userID, "editor"); err != nil {
		t.Fatalf("patch failed: %v", err)
	}

	tree := projectTree(t, doc, "project-1")
	if len(tree.Members) != 1 || tree.Members[0].Role != "editor" {
		t.Fatalf("unexpected members %#v", tree.Members)
	}
	if tree.Members[0].DisplayName != "Ada" {
		t.Fatalf("role patch clobbered record: %#v", tree.Members[0])
	}

	if err := PatchMemberRole(doc, mustMemberUserID(t, "ghost"), "editor"); !errors.Is(err, ErrMemberNotFound) {
		t.Fatalf("expected ErrMemberNotFound, got %v", err)
	}

	if err := RemoveMember(doc, userID); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if err := RemoveMember(doc, userID); err != nil {
		t.Fatalf("second remove should be a no-op: %v", err)
	}
	tree = projectTree(t, doc, "project-1")
	if len(tree.Members) != 0 {
		t.Fatalf("expected no members, got %#v", tree.Members)
	}
}

func TestReplaceMembersDropsStale(t *testing.T) {
	doc := automerge.New()

	if err := PutMember(doc, Member{UserID: mustMemberUserID(t, "user-old"), Role: "owner"}); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	err := ReplaceMembers(doc, []Member{
		{UserID: mustMemberUserID(t, "user-a"), Role: "owner"},
		{UserID: mustMemberUserID(t, "user-b"), Role: "reviewer"},
	})
	if err != nil {
		t.Fatalf("replace failed: %v", err)
	}

	tree := projectTree(t, doc, "project-1")
	if len(tree.Members) != 2 {
		t.Fatalf("expected 2 members, got %#v", tree.Members)
	}
	if tree.Members[0].UserID != "user-a" || tree.Members[1].UserID != "user-b" {
		t.Fatalf("unexpected membership %#v", tree.Members)
	}
}

func TestAttachmentBeforeStudySynthesizesPlaceholder(t *testing.T) {
	doc := automerge.New()
	studyID := mustStudyID(t, "study-1")

	err := AttachPDF(doc, studyID, Attachment{
		Key:               "projects/p/studies/study-1/a.pdf",
		FileName:          mustFileName(t, "a.pdf"),
		Size:              10,
		UploadedBy:        "user-1",
		UploadedAtSeconds: 100,
	}, "", 100)
	if err != nil {
		t.Fatalf("attach failed: %v", err)
	}

	tree := projectTree(t, doc, "project-1")
	if len(tree.Studies) != 1 {
		t.Fatalf("expected synthesized study, got %#v", tree.Studies)
	}
	study := tree.Studies[0]
	if study.Name != PlaceholderStudyName {
		t.Fatalf("expected placeholder name, got %q", study.Name)
	}
	if len(study.PDFs) != 1 || study.PDFs[0].FileName != "a.pdf" {
		t.Fatalf("expected attachment, got %#v", study.PDFs)
	}

	// A later full study write keeps the attachments.
	err = PutStudy(doc, Study{
		StudyID:          studyID,
		Name:             "Smith 2024",
		CreatedAtSeconds: 90,
		UpdatedAtSeconds: 110,
	})
	if err != nil {
		t.Fatalf("put study failed: %v", err)
	}
	tree = projectTree(t, doc, "project-1")
	study = tree.Studies[0]
	if study.Name != "Smith 2024" {
		t.Fatalf("expected real name after study write, got %q", study.Name)
	}
	if len(study.PDFs) != 1 {
		t.Fatalf("study write clobbered attachments: %#v", study.PDFs)
	}
}

func TestRemovePDFKeepsStudy(t *testing.T) {
	doc := automerge.New()
	studyID := mustStudyID(t, "study-1")
	fileName := mustFileName(t, "a.pdf")

	if err := AttachPDF(doc, studyID, Attachment{Key: "k", FileName: fileName, UploadedAtSeconds: 100}, "Smith", 100); err != nil {
		t.Fatalf("attach failed: %v", err)
	}
	if err := RemovePDF(doc, studyID, fileName, 200); err != nil {
		t.Fatalf("remove failed: %v", err)
	}

	tree := projectTree(t, doc, "project-1")
	if len(tree.Studies) != 1 {
		t.Fatalf("expected study to survive, got %#v", tree.Studies)
	}
	if len(tree.Studies[0].PDFs) != 0 {
		t.Fatalf("expected attachment removed, got %#v", tree.Studies[0].PDFs)
	}
	if tree.Studies[0].UpdatedAtSeconds != 200 {
		t.Fatalf("expected touch to update stamp, got %d", tree.Studies[0].UpdatedAtSeconds)
	}
}

func TestChecklistAnswersAreOpaque(t *testing.T) {
	doc := automerge.New()
	studyID := mustStudyID(t, "study-1")
	checklistID := mustChecklistID(t, "check-1")

	if err := PutStudy(doc, Study{StudyID: studyID, Name: "Smith", CreatedAtSeconds: 10, UpdatedAtSeconds: 10}); err != nil {
		t.Fatalf("put study failed: %v", err)
	}
	err := PutChecklist(doc, studyID, Checklist{
		ChecklistID:      checklistID,
		Type:             "amstar2",
		Title:            "AMSTAR 2",
		Status:           "in-progress",
		CreatedAtSeconds: 20,
		UpdatedAtSeconds: 20,
	}, 20)
	if err != nil {
		t.Fatalf("put checklist failed: %v", err)
	}

	answer := map[string]any{"value": "yes", "note": "clearly reported"}
	if err := PutAnswer(doc, studyID, checklistID, "q1", answer, 30); err != nil {
		t.Fatalf("put answer failed: %v", err)
	}

	tree := projectTree(t, doc, "project-1")
	checklists := tree.Studies[0].Checklists
	if len(checklists) != 1 {
		t.Fatalf("expected one checklist, got %#v", checklists)
	}
	stored, ok := checklists[0].Answers["q1"].(map[string]any)
	if !ok {
		t.Fatalf("expected structured answer, got %#v", checklists[0].Answers)
	}
	if stored["value"] != "yes" || stored["note"] != "clearly reported" {
		t.Fatalf("answer not preserved verbatim: %#v", stored)
	}
	if checklists[0].UpdatedAtSeconds != 30 {
		t.Fatalf("expected answer write to touch checklist, got %d", checklists[0].UpdatedAtSeconds)
	}
	if tree.Studies[0].UpdatedAtSeconds != 30 {
		t.Fatalf("expected answer write to touch study, got %d", tree.Studies[0].UpdatedAtSeconds)
	}
}
