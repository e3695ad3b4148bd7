package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/donorledger/internal/accounts"
	"github.com/MarcoPoloResearchLab/donorledger/internal/identity"
	"github.com/MarcoPoloResearchLab/donorledger/internal/ledger"
	"github.com/MarcoPoloResearchLab/donorledger/internal/projects"
	"github.com/MarcoPoloResearchLab/donorledger/internal/records"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const identityContextKey = "donorledger_identity"

var (
	errMissingAccounts      = errors.New("accounts service dependency required")
	errMissingLedger        = errors.New("ledger dependency required")
	errMissingAggregator    = errors.New("project aggregator dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// SessionValidator resolves a bearer token to the active identity.
type SessionValidator interface {
	ValidateSession(ctx context.Context, token string) (identity.Identity, error)
}

// IdentitySyncer aligns the ledger view with the active identity on demand.
type IdentitySyncer interface {
	Sync(ctx context.Context) bool
}

// IdentityEvents streams identity changes.
type IdentityEvents interface {
	Subscribe(ctx context.Context) (<-chan identity.ChangeEvent, func())
}

type Dependencies struct {
	Accounts          *accounts.Service
	Ledger            *ledger.Ledger
	Aggregator        *projects.Aggregator
	Monitor           IdentitySyncer
	Events            IdentityEvents
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Accounts == nil {
		return nil, errMissingAccounts
	}
	if deps.Ledger == nil {
		return nil, errMissingLedger
	}
	if deps.Aggregator == nil {
		return nil, errMissingAggregator
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		accounts:   deps.Accounts,
		sessions:   deps.Accounts,
		ledger:     deps.Ledger,
		aggregator: deps.Aggregator,
		monitor:    deps.Monitor,
		events:     deps.Events,
		heartbeat:  heartbeat,
		logger:     logger,
	}

	router.POST("/auth/register", handler.handleRegister)
	router.POST("/auth/login", handler.handleLogin)
	router.POST("/auth/logout", handler.handleLogout)
	router.POST("/auth/reset-password", handler.handleResetPassword)
	router.GET("/projects/:id/total", handler.handleProjectTotal)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/account", handler.handleGetAccount)
	protected.PATCH("/account", handler.handleUpdateAccount)
	protected.DELETE("/account", handler.handleDeleteAccount)
	protected.POST("/account/password", handler.handleChangePassword)
	protected.GET("/donations", handler.handleListDonations)
	protected.POST("/donations", handler.handleAddDonation)
	protected.DELETE("/donations", handler.handleResetDonations)
	protected.GET("/favorites", handler.handleListFavorites)
	protected.POST("/favorites/toggle", handler.handleToggleFavorite)
	protected.GET("/favorites/:id", handler.handleIsFavorite)
	if deps.Events != nil {
		protected.GET("/events/identity", handler.handleIdentityEvents)
	}

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	accounts   *accounts.Service
	sessions   SessionValidator
	ledger     *ledger.Ledger
	aggregator *projects.Aggregator
	monitor    IdentitySyncer
	events     IdentityEvents
	heartbeat  time.Duration
	logger     *zap.Logger
}

type registerRequestPayload struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	UserType string `json:"user_type"`
}

type loginRequestPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionResponsePayload struct {
	AccessToken string          `json:"access_token"`
	ExpiresIn   int64           `json:"expires_in"`
	TokenType   string          `json:"token_type"`
	Account     records.Account `json:"account"`
}

func newSessionResponse(session accounts.Session, now time.Time) sessionResponsePayload {
	expiresIn := int64(0)
	if !session.ExpiresAt.IsZero() {
		expiresIn = int64(session.ExpiresAt.Sub(now).Seconds())
	}
	return sessionResponsePayload{
		AccessToken: session.Token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		Account:     session.Account,
	}
}

func (h *httpHandler) handleRegister(c *gin.Context) {
	var request registerRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	session, err := h.accounts.Register(c.Request.Context(), accounts.RegisterRequest{
		Name:     request.Name,
		Email:    request.Email,
		Password: request.Password,
		UserType: request.UserType,
	})
	if err != nil {
		h.respondAccountError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newSessionResponse(session, time.Now()))
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	session, err := h.accounts.Login(c.Request.Context(), request.Email, request.Password)
	if err != nil {
		h.respondAccountError(c, err)
		return
	}
	c.JSON(http.StatusOK, newSessionResponse(session, time.Now()))
}

func (h *httpHandler) handleLogout(c *gin.Context) {
	h.accounts.Logout(c.Request.Context())
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleResetPassword(c *gin.Context) {
	var request struct {
		Email string `json:"email"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.accounts.ResetPassword(c.Request.Context(), request.Email); err != nil {
		h.respondAccountError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "reset_requested"})
}

func (h *httpHandler) handleProjectTotal(c *gin.Context) {
	projectID, err := parseProjectID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_project_id"})
		return
	}
	baseline := 0.0
	if raw := strings.TrimSpace(c.Query("baseline")); raw != "" {
		baseline, err = strconv.ParseFloat(raw, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_baseline"})
			return
		}
	}
	ctx := c.Request.Context()
	total := h.aggregator.DisplayTotal(ctx, projectID, baseline)
	c.JSON(http.StatusOK, gin.H{
		"project_id":  projectID,
		"baseline":    baseline,
		"contributed": total - baseline,
		"total":       total,
	})
}

func (h *httpHandler) handleGetAccount(c *gin.Context) {
	account, ok := h.accounts.Current(c.Request.Context())
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "account_not_found"})
		return
	}
	c.JSON(http.StatusOK, account)
}

type profileRequestPayload struct {
	FirstName        *string                   `json:"first_name"`
	LastName         *string                   `json:"last_name"`
	Location         *string                   `json:"location"`
	UserType         *string                   `json:"user_type"`
	EmailPreferences *records.EmailPreferences `json:"emailPreferences"`
	ProjectUpdates   map[string]int64          `json:"projectUpdates"`
}

func (h *httpHandler) handleUpdateAccount(c *gin.Context) {
	var request profileRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	account, err := h.accounts.UpdateProfile(c.Request.Context(), accounts.ProfileUpdate{
		FirstName:        request.FirstName,
		LastName:         request.LastName,
		Location:         request.Location,
		UserType:         request.UserType,
		EmailPreferences: request.EmailPreferences,
		ProjectUpdates:   request.ProjectUpdates,
	})
	if err != nil {
		h.respondAccountError(c, err)
		return
	}
	c.JSON(http.StatusOK, account)
}

func (h *httpHandler) handleChangePassword(c *gin.Context) {
	var request struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.accounts.ChangePassword(c.Request.Context(), request.CurrentPassword, request.NewPassword); err != nil {
		h.respondAccountError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleDeleteAccount(c *gin.Context) {
	if err := h.accounts.DeleteAccount(c.Request.Context()); err != nil {
		h.respondAccountError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListDonations(c *gin.Context) {
	ident, ok := identityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	ctx := c.Request.Context()
	if h.monitor != nil {
		h.monitor.Sync(ctx)
	}
	c.JSON(http.StatusOK, gin.H{"donations": h.ledger.DonationsFor(ctx, ident)})
}

func (h *httpHandler) handleAddDonation(c *gin.Context) {
	var request ledger.DonationInfo
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	result, err := h.ledger.Add(c.Request.Context(), request)
	if errors.Is(err, ledger.ErrInvalidDonation) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_donation", "status": result.Status})
		return
	}
	if err != nil {
		h.logger.Error("failed to add donation", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "donation_failed"})
		return
	}
	switch result.Status {
	case ledger.StatusAdded:
		c.JSON(http.StatusCreated, result)
	case ledger.StatusDuplicate:
		c.JSON(http.StatusOK, result)
	default:
		c.JSON(http.StatusConflict, result)
	}
}

func (h *httpHandler) handleResetDonations(c *gin.Context) {
	if err := h.ledger.ResetHistory(c.Request.Context()); err != nil {
		if errors.Is(err, ledger.ErrIdentityMissing) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		h.logger.Error("failed to reset donation history", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reset_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListFavorites(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"favorites": h.accounts.Favorites(c.Request.Context())})
}

func (h *httpHandler) handleToggleFavorite(c *gin.Context) {
	var request records.ProjectRef
	if err := c.ShouldBindJSON(&request); err != nil || request.ID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	favorited, err := h.accounts.ToggleFavorite(c.Request.Context(), request)
	if err != nil {
		h.respondAccountError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"project_id": request.ID, "favorite": favorited})
}

func (h *httpHandler) handleIsFavorite(c *gin.Context) {
	projectID, err := parseProjectID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_project_id"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"project_id": projectID,
		"favorite":   h.accounts.IsFavorite(c.Request.Context(), projectID),
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	ident, err := h.sessions.ValidateSession(c.Request.Context(), token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(identityContextKey, ident)
	c.Next()
}

func identityFromContext(c *gin.Context) (identity.Identity, bool) {
	value, ok := c.Get(identityContextKey)
	if !ok {
		return identity.Identity{}, false
	}
	ident, ok := value.(identity.Identity)
	if !ok || ident.IsZero() {
		return identity.Identity{}, false
	}
	return ident, true
}

func (h *httpHandler) respondAccountError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, accounts.ErrInvalidInput):
		status, code = http.StatusBadRequest, "invalid_input"
	case errors.Is(err, accounts.ErrAccountExists):
		status, code = http.StatusConflict, "account_exists"
	case errors.Is(err, accounts.ErrAccountDeleted):
		status, code = http.StatusForbidden, "account_deleted"
	case errors.Is(err, accounts.ErrAccountNotFound):
		status, code = http.StatusNotFound, "account_not_found"
	case errors.Is(err, accounts.ErrInvalidCredentials):
		status, code = http.StatusUnauthorized, "invalid_credentials"
	case errors.Is(err, accounts.ErrNotSignedIn), errors.Is(err, accounts.ErrUnauthorized):
		status, code = http.StatusUnauthorized, "unauthorized"
	default:
		h.logger.Error("account operation failed", zap.Error(err))
	}
	c.JSON(status, gin.H{"error": code, "message": accounts.UserMessage(err)})
}

func parseProjectID(raw string) (int64, error) {
	projectID, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, err
	}
	if projectID <= 0 {
		return 0, projects.ErrInvalidProject
	}
	return projectID, nil
}
