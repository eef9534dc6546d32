package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/corates/backend/internal/blob"
	"github.com/corates/backend/internal/collab"
	"github.com/corates/backend/internal/project"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Server-to-server gateway payloads. The web application pushes its
// relational state through these routes; each handler turns the payload
// into one document transaction so the change reaches live collaborators
// through the same broadcast path as their own edits.

type memberPayload struct {
	UserID          string `json:"userId"`
	Role            string `json:"role"`
	JoinedAtSeconds int64  `json:"joinedAt_s"`
	Name            string `json:"name"`
	Email           string `json:"email"`
	DisplayName     string `json:"displayName"`
	Image           string `json:"image"`
}

func (p memberPayload) toMember() (project.Member, error) {
	userID, err := project.NewMemberUserID(p.UserID)
	if err != nil {
		return project.Member{}, err
	}
	return project.Member{
		UserID:          userID,
		Role:            p.Role,
		JoinedAtSeconds: p.JoinedAtSeconds,
		Name:            p.Name,
		Email:           p.Email,
		DisplayName:     p.DisplayName,
		Image:           p.Image,
	}, nil
}

type metadataSyncPayload struct {
	Meta           map[string]any  `json:"meta"`
	Members        []memberPayload `json:"members"`
	ReplaceMembers bool            `json:"replaceMembers"`
}

func (h *httpHandler) handleMetadataSync(c *gin.Context) {
	actor, ok := h.projectActor(c)
	if !ok {
		return
	}
	var payload metadataSyncPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	members := make([]project.Member, 0, len(payload.Members))
	for _, raw := range payload.Members {
		member, err := raw.toMember()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_member"})
			return
		}
		members = append(members, member)
	}

	err := actor.SyncMetadata(c.Request.Context(), collab.MetadataSyncRequest{
		Meta:           payload.Meta,
		Members:        members,
		ReplaceMembers: payload.ReplaceMembers,
	})
	if errors.Is(err, collab.ErrEmptyGatewayRequest) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty_request"})
		return
	}
	if err != nil {
		h.logger.Error("metadata sync failed", zap.Error(err),
			zap.String("project_id", actor.ProjectID().String()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_failed"})
		return
	}

	if h.users != nil && payload.ReplaceMembers {
		for _, member := range members {
			if err := h.users.SyncMembership(actor.ProjectID().String(), member.UserID.String(), member.Role); err != nil {
				h.logger.Warn("membership mirror failed", zap.Error(err))
			}
		}
	}
	c.Status(http.StatusNoContent)
}

type memberSyncPayload struct {
	Action string        `json:"action"`
	Member memberPayload `json:"member"`
}

func (h *httpHandler) handleMemberSync(c *gin.Context) {
	actor, ok := h.projectActor(c)
	if !ok {
		return
	}
	var payload memberSyncPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	userID, err := project.NewMemberUserID(payload.Member.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_member"})
		return
	}
	projectID := actor.ProjectID().String()

	switch strings.ToLower(strings.TrimSpace(payload.Action)) {
	case "upsert":
		member, err := payload.Member.toMember()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_member"})
			return
		}
		if err := actor.UpsertMember(c.Request.Context(), member); err != nil {
			h.logger.Error("member upsert failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_failed"})
			return
		}
		h.mirrorMembership(projectID, member.UserID.String(), member.Role)
	case "update-role":
		err := actor.UpdateMemberRole(c.Request.Context(), userID, payload.Member.Role)
		if errors.Is(err, collab.ErrMissingRole) || errors.Is(err, project.ErrMemberNotFound) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_member"})
			return
		}
		if err != nil {
			h.logger.Error("member role update failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_failed"})
			return
		}
		h.mirrorMembership(projectID, userID.String(), payload.Member.Role)
	case "remove":
		if err := actor.RemoveMember(c.Request.Context(), userID); err != nil {
			h.logger.Error("member removal failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_failed"})
			return
		}
		if h.users != nil {
			if err := h.users.RemoveMembership(projectID, userID.String()); err != nil {
				h.logger.Warn("membership mirror failed", zap.Error(err))
			}
		}
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_action"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) mirrorMembership(projectID, userID, role string) {
	if h.users == nil {
		return
	}
	if err := h.users.SyncMembership(projectID, userID, role); err != nil {
		h.logger.Warn("membership mirror failed", zap.Error(err))
	}
}

type pdfSyncPayload struct {
	Action     string `json:"action"`
	StudyID    string `json:"studyId"`
	StudyName  string `json:"studyName"`
	FileName   string `json:"fileName"`
	Size       int64  `json:"size"`
	UploadedBy string `json:"uploadedBy"`
}

func (h *httpHandler) handlePDFSync(c *gin.Context) {
	actor, ok := h.projectActor(c)
	if !ok {
		return
	}
	var payload pdfSyncPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	studyID, err := project.NewStudyID(payload.StudyID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_study_id"})
		return
	}
	fileName, err := project.NewFileName(payload.FileName)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_file_name"})
		return
	}

	switch strings.ToLower(strings.TrimSpace(payload.Action)) {
	case "attach":
		// The key is derived here rather than trusted from the payload.
		key, err := blob.StudyPDFKey(actor.ProjectID().String(), studyID.String(), fileName.String())
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_file_name"})
			return
		}
		err = actor.AttachStudyPDF(c.Request.Context(), collab.AttachmentRequest{
			StudyID:   studyID,
			StudyName: payload.StudyName,
			Attachment: project.Attachment{
				Key:        key,
				FileName:   fileName,
				Size:       payload.Size,
				UploadedBy: payload.UploadedBy,
			},
		})
		if err != nil {
			h.logger.Error("pdf attach failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_failed"})
			return
		}
	case "remove":
		if err := actor.RemoveStudyPDF(c.Request.Context(), studyID, fileName); err != nil {
			h.logger.Error("pdf removal failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_failed"})
			return
		}
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_action"})
		return
	}
	c.Status(http.StatusNoContent)
}
