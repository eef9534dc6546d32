package collab

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/automerge/automerge-go"
	"github.com/corates/backend/internal/crdt"
	"github.com/corates/backend/internal/project"
)

// The write gateway lets already-authorized server-side code inject
// structured mutations into the live document. Every operation is one
// transaction ending in the same persist-then-broadcast path a client edit
// takes, so server writes converge identically to user edits. The gateway
// validates structure only; authorization happened at the transport
// boundary via the internal-request marker.

var (
	// ErrEmptyGatewayRequest indicates a sync request carrying nothing to apply.
	ErrEmptyGatewayRequest = errors.New("collab: empty gateway request")
	// ErrMissingRole indicates a member role patch without a role.
	ErrMissingRole = errors.New("collab: member role is required")
)

const (
	opSyncMetadata     = "collab.gateway.sync_metadata"
	opUpsertMember     = "collab.gateway.upsert_member"
	opUpdateMemberRole = "collab.gateway.update_member_role"
	opRemoveMember     = "collab.gateway.remove_member"
	opAttachPDF        = "collab.gateway.attach_pdf"
	opRemovePDF        = "collab.gateway.remove_pdf"
)

// MetadataSyncRequest is a bulk metadata/membership sync. Meta keys present
// are merged sparsely; absent keys are untouched. When ReplaceMembers is
// set the whole members map is replaced by Members.
type MetadataSyncRequest struct {
	Meta           map[string]any
	Members        []project.Member
	ReplaceMembers bool
}

// SyncMetadata applies a bulk metadata/membership sync.
func (a *DocumentActor) SyncMetadata(ctx context.Context, req MetadataSyncRequest) error {
	if len(req.Meta) == 0 && !req.ReplaceMembers {
		return newActorError(opSyncMetadata, "empty_request", ErrEmptyGatewayRequest)
	}
	return a.mutate(ctx, opSyncMetadata, nil, func(doc *crdt.Document) ([]byte, error) {
		return doc.Transact(func(raw *automerge.Doc) error {
			if len(req.Meta) > 0 {
				if err := project.MergeMeta(raw, req.Meta); err != nil {
					return err
				}
			}
			if req.ReplaceMembers {
				return project.ReplaceMembers(raw, req.Members)
			}
			return nil
		})
	})
}

// UpsertMember adds or replaces a whole membership record.
func (a *DocumentActor) UpsertMember(ctx context.Context, member project.Member) error {
	return a.mutate(ctx, opUpsertMember, nil, func(doc *crdt.Document) ([]byte, error) {
		return doc.Transact(func(raw *automerge.Doc) error {
			return project.PutMember(raw, member)
		})
	})
}

// UpdateMemberRole patches only the role of an existing member.
func (a *DocumentActor) UpdateMemberRole(ctx context.Context, userID project.MemberUserID, role string) error {
	if strings.TrimSpace(role) == "" {
		return newActorError(opUpdateMemberRole, "missing_role", ErrMissingRole)
	}
	return a.mutate(ctx, opUpdateMemberRole, nil, func(doc *crdt.Document) ([]byte, error) {
		return doc.Transact(func(raw *automerge.Doc) error {
			return project.PatchMemberRole(raw, userID, role)
		})
	})
}

// RemoveMember deletes a membership record by user id.
func (a *DocumentActor) RemoveMember(ctx context.Context, userID project.MemberUserID) error {
	return a.mutate(ctx, opRemoveMember, nil, func(doc *crdt.Document) ([]byte, error) {
		return doc.Transact(func(raw *automerge.Doc) error {
			return project.RemoveMember(raw, userID)
		})
	})
}

// AttachmentRequest adds or removes one PDF's metadata under a study. The
// study may not exist yet: attach synthesizes a placeholder record named
// StudyName (or a generic label) so that racing attachments to the same
// unseen study id converge on a single study holding every file.
type AttachmentRequest struct {
	StudyID    project.StudyID
	StudyName  string
	Attachment project.Attachment
}

// AttachStudyPDF records attachment metadata and refreshes the study's
// updatedAt stamp.
func (a *DocumentActor) AttachStudyPDF(ctx context.Context, req AttachmentRequest) error {
	if req.Attachment.Key == "" {
		return newActorError(opAttachPDF, "missing_key", fmt.Errorf("attachment key is required"))
	}
	now := a.clock().UTC().Unix()
	attachment := req.Attachment
	if attachment.UploadedAtSeconds == 0 {
		attachment.UploadedAtSeconds = now
	}
	return a.mutate(ctx, opAttachPDF, nil, func(doc *crdt.Document) ([]byte, error) {
		return doc.Transact(func(raw *automerge.Doc) error {
			return project.AttachPDF(raw, req.StudyID, attachment, req.StudyName, now)
		})
	})
}

// RemoveStudyPDF deletes attachment metadata by file name and refreshes
// the study's updatedAt stamp.
func (a *DocumentActor) RemoveStudyPDF(ctx context.Context, studyID project.StudyID, fileName project.FileName) error {
	now := a.clock().UTC().Unix()
	return a.mutate(ctx, opRemovePDF, nil, func(doc *crdt.Document) ([]byte, error) {
		return doc.Transact(func(raw *automerge.Doc) error {
			return project.RemovePDF(raw, studyID, fileName, now)
		})
	})
}
