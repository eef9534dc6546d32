package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/corates/backend/internal/auth"
	"github.com/corates/backend/internal/blob"
	"github.com/corates/backend/internal/collab"
	"github.com/corates/backend/internal/presence"
	"github.com/corates/backend/internal/project"
	"github.com/corates/backend/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const sessionContextKey = "corates_session"

var (
	errMissingCollabManager   = errors.New("collab manager dependency required")
	errMissingPresenceManager = errors.New("presence manager dependency required")
	errMissingSessionVerifier = errors.New("session validator dependency required")
	errMissingTokenIssuer     = errors.New("token issuer dependency required")
	errMissingInternalSecret  = errors.New("internal shared secret required")
)

// Dependencies wires the HTTP surface to the actor managers and auth
// infrastructure.
type Dependencies struct {
	Collab         *collab.Manager
	Presence       *presence.Manager
	Sessions       *auth.SessionValidator
	Tokens         *auth.TokenIssuer
	Users          *users.Service
	InternalSecret string
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin router serving the realtime and gateway
// endpoints.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Collab == nil {
		return nil, errMissingCollabManager
	}
	if deps.Presence == nil {
		return nil, errMissingPresenceManager
	}
	if deps.Sessions == nil {
		return nil, errMissingSessionVerifier
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenIssuer
	}
	if strings.TrimSpace(deps.InternalSecret) == "" {
		return nil, errMissingInternalSecret
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	origins := deps.AllowedOrigins
	corsConfig := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(origins) == 0 {
		corsConfig.AllowOrigins = []string{"*"}
	} else {
		corsConfig.AllowOrigins = origins
		corsConfig.AllowCredentials = true
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(corsConfig))

	handler := &httpHandler{
		collab:         deps.Collab,
		presence:       deps.Presence,
		sessions:       deps.Sessions,
		tokens:         deps.Tokens,
		users:          deps.Users,
		internalSecret: []byte(deps.InternalSecret),
		upgrader:       newUpgrader(origins),
		logger:         logger,
	}

	router.POST("/auth/ws-token", handler.handleRealtimeToken)

	projects := router.Group("/projects")
	projects.GET("/:projectId/ws", handler.handleProjectSocket)

	authed := projects.Group("/")
	authed.Use(handler.authorizeSession)
	authed.GET("/:projectId", handler.handleProjection)
	authed.GET("/:projectId/export", handler.handleExport)
	authed.POST("/:projectId/import", handler.handleImport)
	authed.POST("/:projectId/studies/:studyId/pdfs", handler.handlePDFCheck)

	router.GET("/presence/:userId/ws", handler.handlePresenceSocket)

	internal := router.Group("/internal")
	internal.Use(handler.authorizeInternal)
	internal.POST("/projects/:projectId/sync", handler.handleMetadataSync)
	internal.POST("/projects/:projectId/sync-member", handler.handleMemberSync)
	internal.POST("/projects/:projectId/sync-pdf", handler.handlePDFSync)
	internal.POST("/presence/:userId/notify", handler.handleNotify)

	return router, nil
}

type httpHandler struct {
	collab         *collab.Manager
	presence       *presence.Manager
	sessions       *auth.SessionValidator
	tokens         *auth.TokenIssuer
	users          *users.Service
	internalSecret []byte
	upgrader       *websocket.Upgrader
	logger         *zap.Logger
}

// authorizeSession validates the session cookie or bearer header and
// stashes the claims on the request context.
func (h *httpHandler) authorizeSession(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if h.users != nil {
		if _, err := h.users.RecordSighting(claims); err != nil {
			h.logger.Warn("identity sighting failed", zap.Error(err))
		}
	}
	c.Set(sessionContextKey, claims)
	c.Next()
}

// authorizeInternal gates the server-to-server gateway routes on a shared
// secret header. These routes are never exposed to browsers.
func (h *httpHandler) authorizeInternal(c *gin.Context) {
	provided := []byte(c.GetHeader("X-Internal-Auth"))
	if len(provided) == 0 || subtle.ConstantTimeCompare(provided, h.internalSecret) != 1 {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.Next()
}

func (h *httpHandler) sessionClaims(c *gin.Context) (auth.SessionClaims, bool) {
	value, ok := c.Get(sessionContextKey)
	if !ok {
		return auth.SessionClaims{}, false
	}
	claims, ok := value.(auth.SessionClaims)
	return claims, ok
}

func (h *httpHandler) projectActor(c *gin.Context) (*collab.DocumentActor, bool) {
	projectID, err := project.NewProjectID(c.Param("projectId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_project_id"})
		return nil, false
	}
	actor, err := h.collab.Actor(projectID)
	if err != nil {
		h.logger.Error("failed to acquire document actor", zap.Error(err),
			zap.String("project_id", projectID.String()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "actor_unavailable"})
		return nil, false
	}
	return actor, true
}

type realtimeTokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
}

// handleRealtimeToken exchanges a valid session for a short-lived token a
// client can present in-band over an already-open websocket.
func (h *httpHandler) handleRealtimeToken(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	token, expiresIn, err := h.tokens.IssueRealtimeToken(c.Request.Context(), claims)
	if err != nil {
		h.logger.Error("failed to issue realtime token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	c.JSON(http.StatusOK, realtimeTokenResponse{Token: token, ExpiresIn: expiresIn})
}

// handleProjection serves the hierarchical read model of a project document.
func (h *httpHandler) handleProjection(c *gin.Context) {
	actor, ok := h.projectActor(c)
	if !ok {
		return
	}
	tree, err := actor.Projection(c.Request.Context())
	if err != nil {
		h.logger.Error("projection failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "projection_failed"})
		return
	}
	c.JSON(http.StatusOK, tree)
}

func (h *httpHandler) handleExport(c *gin.Context) {
	actor, ok := h.projectActor(c)
	if !ok {
		return
	}
	export, err := actor.Export(c.Request.Context())
	if err != nil {
		h.logger.Error("export failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "export_failed"})
		return
	}
	c.JSON(http.StatusOK, export)
}

func (h *httpHandler) handleImport(c *gin.Context) {
	actor, ok := h.projectActor(c)
	if !ok {
		return
	}
	var payload project.Export
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if payload.FormatVersion != project.ExportFormatVersion {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported_format_version"})
		return
	}
	if err := actor.Import(c.Request.Context(), payload.Project); err != nil {
		h.logger.Error("import failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "import_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

type pdfCheckResponse struct {
	Key  string `json:"key"`
	Size int64  `json:"size"`
}

// handlePDFCheck validates an uploaded study PDF and returns the object
// key the caller should store it under. The bytes themselves are never
// retained here.
func (h *httpHandler) handlePDFCheck(c *gin.Context) {
	projectID := c.Param("projectId")
	studyID := c.Param("studyId")
	fileName := strings.TrimSpace(c.Query("fileName"))

	content, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := blob.ValidatePDF(content, c.ContentType()); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	key, err := blob.StudyPDFKey(projectID, studyID, fileName)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_file_name"})
		return
	}
	c.JSON(http.StatusOK, pdfCheckResponse{Key: key, Size: int64(len(content))})
}

// handleProjectSocket upgrades to a websocket and attaches the connection
// to the project's document actor. A connection may arrive without a
// session; it then observes the document read-only until an in-band auth
// frame upgrades it.
func (h *httpHandler) handleProjectSocket(c *gin.Context) {
	projectID, err := project.NewProjectID(c.Param("projectId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_project_id"})
		return
	}
	actor, err := h.collab.Actor(projectID)
	if err != nil {
		h.logger.Error("failed to acquire document actor", zap.Error(err),
			zap.String("project_id", projectID.String()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "actor_unavailable"})
		return
	}

	var identity *collab.UserIdentity
	if claims, sessionErr := h.sessions.ValidateRequest(c.Request); sessionErr == nil {
		identity = &collab.UserIdentity{
			ID:          claims.UserID,
			Username:    claims.Username,
			DisplayName: claims.UserDisplayName,
		}
		if h.users != nil {
			if _, err := h.users.RecordSighting(claims); err != nil {
				h.logger.Warn("identity sighting failed", zap.Error(err))
			}
		}
	}

	socket, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	sender := newWSSender(socket)
	connection := collab.NewConnection(uuid.NewString(), sender, identity)
	if err := actor.Connect(c.Request.Context(), connection); err != nil {
		h.logger.Warn("document attach failed", zap.Error(err),
			zap.String("project_id", projectID.String()))
		_ = sender.Close()
		return
	}

	for {
		var event collab.Event
		if err := socket.ReadJSON(&event); err != nil {
			break
		}
		switch event.Type {
		case collab.EventAuth:
			claims, err := h.resolveRealtimeToken(event.Token)
			if err != nil {
				actor.RejectAuth(connection)
				continue
			}
			if h.users != nil {
				if _, err := h.users.RecordSighting(claims); err != nil {
					h.logger.Warn("identity sighting failed", zap.Error(err))
				}
			}
			actor.Authenticate(connection, collab.UserIdentity{
				ID:          claims.UserID,
				Username:    claims.Username,
				DisplayName: claims.UserDisplayName,
			})
		case collab.EventSync:
			if err := actor.HandleSync(c.Request.Context(), connection, event.Vector); err != nil {
				h.logger.Debug("sync request rejected", zap.Error(err),
					zap.String("project_id", projectID.String()))
			}
		case collab.EventUpdate:
			if err := actor.HandleUpdate(c.Request.Context(), connection, event.Update); err != nil {
				h.logger.Debug("update rejected", zap.Error(err),
					zap.String("project_id", projectID.String()))
			}
		default:
			// Unknown frame types are tolerated so older clients keep working.
		}
	}

	actor.Disconnect(connection)
	_ = sender.Close()
}

// resolveRealtimeToken accepts both short-lived realtime tokens and raw
// session tokens, so clients without the exchange step can still attach.
func (h *httpHandler) resolveRealtimeToken(token string) (auth.SessionClaims, error) {
	claims, err := h.tokens.ValidateToken(token)
	if err == nil {
		return claims, nil
	}
	return h.sessions.ValidateToken(token)
}

// handlePresenceSocket attaches a websocket to the caller's own presence
// actor. The authenticated identity must match the path user id.
func (h *httpHandler) handlePresenceSocket(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID := strings.TrimSpace(c.Param("userId"))
	if userID == "" || userID != claims.UserID {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	actor, err := h.presence.Actor(userID)
	if err != nil {
		h.logger.Error("failed to acquire presence actor", zap.Error(err),
			zap.String("user_id", userID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "actor_unavailable"})
		return
	}

	socket, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	sender := newWSSender(socket)
	connection := presence.NewConnection(uuid.NewString(), &presenceSender{sender: sender})
	if err := actor.Connect(c.Request.Context(), connection); err != nil {
		h.logger.Warn("presence attach failed", zap.Error(err), zap.String("user_id", userID))
		actor.Disconnect(c.Request.Context(), connection)
		_ = sender.Close()
		return
	}

	for {
		_, payload, err := socket.ReadMessage()
		if err != nil {
			break
		}
		var frame struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(payload, &frame); err != nil {
			continue
		}
		if frame.Type == "ping" {
			_ = sender.SendRaw([]byte(`{"type":"pong"}`))
		}
	}

	actor.Disconnect(c.Request.Context(), connection)
	_ = sender.Close()
}

// handleNotify delivers a notification to a user's presence actor and
// reports whether any live connection received it.
func (h *httpHandler) handleNotify(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("userId"))
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id"})
		return
	}
	var event presence.Notification
	if err := c.ShouldBindJSON(&event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	actor, err := h.presence.Actor(userID)
	if err != nil {
		h.logger.Error("failed to acquire presence actor", zap.Error(err),
			zap.String("user_id", userID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "actor_unavailable"})
		return
	}
	delivered, err := actor.Notify(c.Request.Context(), event)
	if err != nil {
		h.logger.Error("notify failed", zap.Error(err), zap.String("user_id", userID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "notify_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"delivered": delivered})
}
