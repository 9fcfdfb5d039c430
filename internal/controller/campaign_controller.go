// internal/controller/campaign_controller.go
package controller

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/campaign-orchestrator/internal/errors"
	"github.com/unclebandit/campaign-orchestrator/internal/service"
)

// TenantHeader carries the authenticated tenant, set by the gateway in
// front of this service.
const TenantHeader = "X-Tenant-ID"

type CampaignController struct {
	CampaignService *service.CampaignService
	Logger          *zap.Logger
}

// Routes mounts the campaign endpoints on r.
func (c *CampaignController) Routes(r chi.Router) {
	r.Route("/campaigns", func(r chi.Router) {
		r.Use(requireTenant)
		r.Post("/", c.CreateCampaign)
		r.Get("/", c.ListCampaigns)
		r.Get("/{id}", c.GetCampaign)
		r.Patch("/{id}", c.UpdateCampaign)
		r.Post("/{id}/prepare", c.PrepareCampaign)
		r.Post("/{id}/publish", c.PublishCampaign)
		r.Post("/{id}/pause", c.PauseCampaign)
		r.Post("/{id}/resume", c.ResumeCampaign)
		r.Post("/{id}/end", c.EndCampaign)
		r.Post("/{id}/reengage", c.ReEngageCampaign)
	})
}

func requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(TenantHeader) == "" {
			writeError(w, http.StatusUnauthorized, "missing "+TenantHeader+" header")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func tenant(r *http.Request) string { return r.Header.Get(TenantHeader) }

func (c *CampaignController) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var body service.CreateCampaignInput
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	campaign, err := c.CampaignService.CreateCampaign(r.Context(), tenant(r), body)
	if err != nil {
		c.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, campaign)
}

func (c *CampaignController) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	channel := r.URL.Query().Get("channel")
	status := r.URL.Query().Get("status")

	campaigns, pagination, err := c.CampaignService.ListCampaigns(r.Context(), tenant(r), page, pageSize, channel, status)
	if err != nil {
		c.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":       campaigns,
		"pagination": pagination,
	})
}

func (c *CampaignController) GetCampaign(w http.ResponseWriter, r *http.Request) {
	details, err := c.CampaignService.GetCampaign(r.Context(), tenant(r), chi.URLParam(r, "id"))
	if err != nil {
		c.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

func (c *CampaignController) UpdateCampaign(w http.ResponseWriter, r *http.Request) {
	var body service.UpdateCampaignInput
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	campaign, err := c.CampaignService.UpdateCampaign(r.Context(), tenant(r), chi.URLParam(r, "id"), body)
	if err != nil {
		c.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, campaign)
}

func (c *CampaignController) PrepareCampaign(w http.ResponseWriter, r *http.Request) {
	job, err := c.CampaignService.PrepareCampaign(r.Context(), tenant(r), chi.URLParam(r, "id"))
	if err != nil {
		c.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (c *CampaignController) PublishCampaign(w http.ResponseWriter, r *http.Request) {
	result, err := c.CampaignService.PublishCampaign(r.Context(), tenant(r), chi.URLParam(r, "id"))
	if err != nil {
		c.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

func (c *CampaignController) PauseCampaign(w http.ResponseWriter, r *http.Request) {
	campaign, err := c.CampaignService.PauseCampaign(r.Context(), tenant(r), chi.URLParam(r, "id"))
	if err != nil {
		c.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, campaign)
}

func (c *CampaignController) ResumeCampaign(w http.ResponseWriter, r *http.Request) {
	campaign, err := c.CampaignService.ResumeCampaign(r.Context(), tenant(r), chi.URLParam(r, "id"))
	if err != nil {
		c.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, campaign)
}

func (c *CampaignController) EndCampaign(w http.ResponseWriter, r *http.Request) {
	campaign, err := c.CampaignService.EndCampaign(r.Context(), tenant(r), chi.URLParam(r, "id"))
	if err != nil {
		c.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, campaign)
}

func (c *CampaignController) ReEngageCampaign(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Message string `json:"message"`
	}
	// An empty body reuses the campaign's own message.
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body")
			return
		}
	}

	job, err := c.CampaignService.ReEngageCampaign(r.Context(), tenant(r), chi.URLParam(r, "id"), body.Message)
	if err != nil {
		c.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// StatusFor maps an error kind to the HTTP status returned to callers.
func StatusFor(err error) int {
	switch appErrors.Kind(err) {
	case appErrors.KindNotFound:
		return http.StatusNotFound
	case appErrors.KindPrecondition:
		return http.StatusUnprocessableEntity
	case appErrors.KindTransition:
		return http.StatusConflict
	case appErrors.KindCredential:
		return http.StatusFailedDependency
	default:
		return http.StatusInternalServerError
	}
}

func (c *CampaignController) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		if c.Logger != nil {
			c.Logger.Error("request failed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("tenant_id", tenant(r)),
				zap.Error(err),
			)
		}
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
