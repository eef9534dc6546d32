package project

import (
	"fmt"
	"sort"
	"strings"

	"github.com/automerge/automerge-go"
)

// Tree is the hierarchical read model of a project document, served over
// plain HTTP and embedded in diagnostic exports.
type Tree struct {
	ID      string         `json:"id"`
	Meta    map[string]any `json:"meta"`
	Members []MemberNode   `json:"members"`
	Studies []StudyNode    `json:"studies"`
}

// MemberNode is one member in the projection.
type MemberNode struct {
	UserID          string `json:"userId"`
	Role            string `json:"role"`
	JoinedAtSeconds int64  `json:"joinedAt_s"`
	Name            string `json:"name"`
	Email           string `json:"email"`
	DisplayName     string `json:"displayName"`
	Image           string `json:"image"`
}

// ChecklistNode is one checklist in the projection.
type ChecklistNode struct {
	ChecklistID      string         `json:"checklistId"`
	Type             string         `json:"type"`
	Title            string         `json:"title"`
	AssignedTo       string         `json:"assignedTo"`
	Status           string         `json:"status"`
	CreatedAtSeconds int64          `json:"createdAt_s"`
	UpdatedAtSeconds int64          `json:"updatedAt_s"`
	Answers          map[string]any `json:"answers"`
}

// AttachmentNode is one PDF attachment's metadata in the projection.
type AttachmentNode struct {
	Key               string `json:"key"`
	FileName          string `json:"fileName"`
	Size              int64  `json:"size"`
	UploadedBy        string `json:"uploadedBy"`
	UploadedAtSeconds int64  `json:"uploadedAt_s"`
}

// StudyNode is one study in the projection.
type StudyNode struct {
	StudyID          string           `json:"studyId"`
	Name             string           `json:"name"`
	Description      string           `json:"description"`
	CreatedAtSeconds int64            `json:"createdAt_s"`
	UpdatedAtSeconds int64            `json:"updatedAt_s"`
	Authors          string           `json:"authors"`
	Journal          string           `json:"journal"`
	DOI              string           `json:"doi"`
	Abstract         string           `json:"abstract"`
	PDFSource        string           `json:"pdfSource"`
	PDFAccessible    bool             `json:"pdfAccessible"`
	Reviewers        []string         `json:"reviewers"`
	Reconciliation   map[string]any   `json:"reconciliation,omitempty"`
	Checklists       []ChecklistNode  `json:"checklists"`
	PDFs             []AttachmentNode `json:"pdfs"`
}

// Project assembles a replicated document into its tree read model,
// regrouping the flat study-scoped maps into the nested hierarchy. Missing
// or partially-initialized maps render as empty collections; a checklist or
// attachment whose study record has not arrived yet hangs off a synthesized
// placeholder study, so no entry is ever hidden by write ordering.
func Project(doc *automerge.Doc, projectID ProjectID) (Tree, error) {
	rootValue, err := doc.Path().Get()
	if err != nil {
		return Tree{}, fmt.Errorf("project: reading document root: %w", err)
	}
	root := asMap(rootValue.Interface())

	tree := Tree{
		ID:      projectID.String(),
		Meta:    asMap(root[rootMeta]),
		Members: projectMembers(asMap(root[rootMembers])),
		Studies: projectStudies(
			asMap(root[rootStudies]),
			asMap(root[rootChecklists]),
			asMap(root[rootAnswers]),
			asMap(root[rootPDFs]),
		),
	}
	if tree.Meta == nil {
		tree.Meta = map[string]any{}
	}
	return tree, nil
}

func projectMembers(raw map[string]any) []MemberNode {
	members := make([]MemberNode, 0, len(raw))
	for userID, value := range raw {
		record := asMap(value)
		members = append(members, MemberNode{
			UserID:          userID,
			Role:            asString(record["role"]),
			JoinedAtSeconds: asInt64(record["joinedAt_s"]),
			Name:            asString(record["name"]),
			Email:           asString(record["email"]),
			DisplayName:     asString(record["displayName"]),
			Image:           asString(record["image"]),
		})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].UserID < members[j].UserID })
	return members
}

func projectStudies(rawStudies, rawChecklists, rawAnswers, rawPDFs map[string]any) []StudyNode {
	nodes := make(map[string]*StudyNode, len(rawStudies))
	for studyID, value := range rawStudies {
		record := asMap(value)
		nodes[studyID] = &StudyNode{
			StudyID:          studyID,
			Name:             asString(record["name"]),
			Description:      asString(record["description"]),
			CreatedAtSeconds: asInt64(record[fieldCreatedAtSeconds]),
			UpdatedAtSeconds: asInt64(record[fieldUpdatedAtSeconds]),
			Authors:          asString(record["authors"]),
			Journal:          asString(record["journal"]),
			DOI:              asString(record["doi"]),
			Abstract:         asString(record["abstract"]),
			PDFSource:        asString(record["pdfSource"]),
			PDFAccessible:    asBool(record["pdfAccessible"]),
			Reviewers:        asStringSlice(record["reviewers"]),
			Reconciliation:   asMap(record["reconciliation"]),
		}
	}

	studyNode := func(studyID string) *StudyNode {
		if node, ok := nodes[studyID]; ok {
			return node
		}
		node := &StudyNode{StudyID: studyID, Name: PlaceholderStudyName}
		nodes[studyID] = node
		return node
	}

	type scopedChecklist struct {
		studyID string
		node    *ChecklistNode
	}
	checklists := make(map[string]scopedChecklist)
	for key, value := range rawChecklists {
		studyID, checklistID, ok := strings.Cut(key, "/")
		if !ok {
			continue
		}
		record := asMap(value)
		checklists[key] = scopedChecklist{studyID: studyID, node: &ChecklistNode{
			ChecklistID:      checklistID,
			Type:             asString(record["type"]),
			Title:            asString(record["title"]),
			AssignedTo:       asString(record["assignedTo"]),
			Status:           asString(record["status"]),
			CreatedAtSeconds: asInt64(record[fieldCreatedAtSeconds]),
			UpdatedAtSeconds: asInt64(record[fieldUpdatedAtSeconds]),
			Answers:          map[string]any{},
		}}
	}
	for key, answer := range rawAnswers {
		checklistKey, questionID := splitAnswerKey(key)
		entry, ok := checklists[checklistKey]
		if !ok {
			// The checklist record has not arrived; the answer stays in
			// the document and surfaces once it does.
			continue
		}
		entry.node.Answers[questionID] = answer
	}
	for _, entry := range checklists {
		study := studyNode(entry.studyID)
		study.Checklists = append(study.Checklists, *entry.node)
	}

	for key, value := range rawPDFs {
		studyID, fileName, ok := strings.Cut(key, "/")
		if !ok {
			continue
		}
		record := asMap(value)
		study := studyNode(studyID)
		study.PDFs = append(study.PDFs, AttachmentNode{
			Key:               asString(record["key"]),
			FileName:          fileName,
			Size:              asInt64(record["size"]),
			UploadedBy:        asString(record["uploadedBy"]),
			UploadedAtSeconds: asInt64(record["uploadedAt_s"]),
		})
	}

	studies := make([]StudyNode, 0, len(nodes))
	for _, node := range nodes {
		sort.Slice(node.Checklists, func(i, j int) bool {
			return node.Checklists[i].ChecklistID < node.Checklists[j].ChecklistID
		})
		sort.Slice(node.PDFs, func(i, j int) bool {
			return node.PDFs[i].FileName < node.PDFs[j].FileName
		})
		studies = append(studies, *node)
	}
	sort.Slice(studies, func(i, j int) bool { return studies[i].StudyID < studies[j].StudyID })
	return studies
}

// splitAnswerKey separates "study/checklist/question" into the checklist
// key and the question id. Question ids may themselves contain "/".
func splitAnswerKey(key string) (string, string) {
	first := strings.Index(key, "/")
	if first < 0 {
		return key, ""
	}
	second := strings.Index(key[first+1:], "/")
	if second < 0 {
		return key, ""
	}
	cut := first + 1 + second
	return key[:cut], key[cut+1:]
}

func asMap(value any) map[string]any {
	if m, ok := value.(map[string]any); ok {
		return m
	}
	return nil
}

func asString(value any) string {
	if s, ok := value.(string); ok {
		return s
	}
	return ""
}

func asInt64(value any) int64 {
	switch v := value.(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case uint64:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

func asBool(value any) bool {
	if b, ok := value.(bool); ok {
		return b
	}
	return false
}

func asStringSlice(value any) []string {
	raw, ok := value.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		out = append(out, asString(item))
	}
	return out
}
