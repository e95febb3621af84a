// Package server exposes the admin HTTP API: the pending-request queue, the
// approve/reject actions that drive provisioning, and the installer package
// map. It is meant for the operator and trusted automation, not end users.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/gin-gonic/gin"

	"vpnonboard/internal/approval"
	apperrors "vpnonboard/internal/errors"
	"vpnonboard/internal/packages"
	"vpnonboard/internal/provision"
	"vpnonboard/internal/sentry"
)

// API wires the workflow, the provisioner, and the package map behind gin
// handlers. All fields are required except ProvisionTimeout.
type API struct {
	Workflow    *approval.Workflow
	Provisioner *provision.Provisioner
	Packages    *packages.Map
	Delivery    *Delivery

	// Token authenticates every /api route via "Authorization: Bearer".
	Token string

	// ProvisionTimeout bounds one approve action end to end (lock wait plus
	// creation). Zero selects 150 seconds.
	ProvisionTimeout time.Duration
}

func (a *API) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	r.Use(sentrygin.New(sentrygin.Options{Repanic: true}))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api", a.requireToken)
	api.GET("/requests", a.listRequests)
	api.POST("/requests", a.submitRequest)
	api.GET("/requests/:id", a.getRequest)
	api.POST("/requests/:id/approve", a.approveRequest)
	api.POST("/requests/:id/reject", a.rejectRequest)
	api.GET("/packages", a.listPackages)
	api.PUT("/packages/:platform", a.putPackage)
	api.DELETE("/packages/:platform", a.deletePackage)

	return r
}

// requireToken is bearer-token auth. With no token configured the API refuses
// everything rather than running open.
func (a *API) requireToken(c *gin.Context) {
	if a.Token == "" {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "admin API token not configured"})
		return
	}
	got := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	if subtle.ConstantTimeCompare([]byte(got), []byte(a.Token)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

type submitPayload struct {
	Platform     string `json:"platform" binding:"required"`
	Identity     string `json:"identity" binding:"required"`
	ReplyChannel string `json:"reply_channel"`
	DisplayName  string `json:"display_name"`
}

func (a *API) submitRequest(c *gin.Context) {
	var p submitPayload
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req, err := a.Workflow.Submit(p.Platform, p.Identity, p.ReplyChannel, p.DisplayName)
	if err != nil {
		a.fail(c, err, "submit request")
		return
	}
	c.JSON(http.StatusCreated, req)
}

func (a *API) listRequests(c *gin.Context) {
	reqs, err := a.Workflow.List()
	if err != nil {
		a.fail(c, err, "list requests")
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": reqs})
}

func (a *API) getRequest(c *gin.Context) {
	req, err := a.Workflow.Get(c.Param("id"))
	if err != nil {
		a.fail(c, err, "get request")
		return
	}
	c.JSON(http.StatusOK, req)
}

// approveRequest consumes the pending request and provisions a credential for
// its identity. The request is gone from the queue before provisioning starts,
// so a repeated tap on the same id gets 404 instead of a second credential.
func (a *API) approveRequest(c *gin.Context) {
	req, err := a.Workflow.Approve(c.Param("id"))
	if err != nil {
		a.fail(c, err, "approve request")
		return
	}

	timeout := a.ProvisionTimeout
	if timeout <= 0 {
		timeout = 150 * time.Second
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()

	label := req.DisplayName
	if label == "" {
		label = req.Identity
	}
	res, err := a.Provisioner.Provision(ctx, req.Identity, label)
	if err != nil && !errors.Is(err, apperrors.ErrLinkUnavailable) {
		a.fail(c, err, "provision for "+req.Identity)
		return
	}

	bundle := a.Delivery.Assemble(req, res)
	if err != nil {
		// Credential minted but no link could be rendered. Report success
		// with the warning so the operator can deliver the UUID by hand.
		sentry.CaptureErrorWithContext(c, err, "link unavailable for "+req.Identity)
		bundle.Warnings = append(bundle.Warnings, err.Error())
	}
	log.Printf("approved %s: %s for %s (reused=%v, uuid_source=%s)",
		req.RequestID, res.UUID, req.Identity, res.Reused, res.UUIDSource)
	c.JSON(http.StatusOK, bundle)
}

func (a *API) rejectRequest(c *gin.Context) {
	req, err := a.Workflow.Reject(c.Param("id"))
	if err != nil {
		a.fail(c, err, "reject request")
		return
	}
	log.Printf("rejected %s (%s, %s)", req.RequestID, req.Identity, req.Platform)
	c.JSON(http.StatusOK, gin.H{"rejected": req.RequestID})
}

func (a *API) listPackages(c *gin.Context) {
	c.JSON(http.StatusOK, a.Packages.All())
}

type packagePayload struct {
	FileID   string `json:"file_id" binding:"required"`
	FileName string `json:"file_name"`
	MimeType string `json:"mime_type"`
}

func (a *API) putPackage(c *gin.Context) {
	platform := approval.NormalizePlatform(c.Param("platform"))
	if platform == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown platform", "known": approval.KnownPlatforms()})
		return
	}
	var p packagePayload
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rec := packages.Record{FileID: p.FileID, FileName: p.FileName, MimeType: p.MimeType}
	if err := a.Packages.Set(platform, rec); err != nil {
		a.fail(c, err, "store package for "+platform)
		return
	}
	c.JSON(http.StatusOK, gin.H{"platform": platform})
}

func (a *API) deletePackage(c *gin.Context) {
	platform := approval.NormalizePlatform(c.Param("platform"))
	if platform == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown platform"})
		return
	}
	if err := a.Packages.Delete(platform); err != nil {
		a.fail(c, err, "delete package for "+platform)
		return
	}
	c.Status(http.StatusNoContent)
}

// fail maps domain errors onto HTTP statuses and reports unexpected ones.
func (a *API) fail(c *gin.Context, err error, msg string) {
	switch {
	case errors.Is(err, apperrors.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, apperrors.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, apperrors.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, apperrors.ErrLockTimeout):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case apperrors.IsCreationError(err):
		sentry.CaptureErrorWithContext(c, err, msg)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		sentry.CaptureErrorWithContext(c, err, msg)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
