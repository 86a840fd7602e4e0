package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"escrowflow/account"
	"escrowflow/escrow"
)

// Engine is the slice of the escrow engine the handlers delegate to.
type Engine interface {
	CreateProject(ctx context.Context, params escrow.CreateProjectParams) (escrow.Project, []escrow.Milestone, error)
	FundEscrow(ctx context.Context, projectID string, amount float64, paymentMethod string) (escrow.FundResult, error)
	SubmitMilestone(ctx context.Context, params escrow.SubmissionParams) (escrow.Milestone, error)
	ReleasePayment(ctx context.Context, milestoneID string) (escrow.ReleaseResult, error)
	ConnectPayee(ctx context.Context, handle string) (escrow.ConnectResult, error)
	CheckPayeeStatus(ctx context.Context, handle string) (escrow.PayeeStatus, error)
	AssignFreelancer(ctx context.Context, projectID, freelancerHandle string) (escrow.Project, error)
	GetProject(ctx context.Context, projectID string) (escrow.Project, []escrow.Milestone, error)
	GetMilestone(ctx context.Context, milestoneID string) (escrow.Milestone, error)
}

// Accounts is the slice of the account service the auth handlers use.
type Accounts interface {
	Register(ctx context.Context, req account.RegisterRequest) (*account.Account, error)
	Login(ctx context.Context, req account.LoginRequest) (account.LoginResult, error)
	VerifyToken(token string) (string, account.Role, error)
}

// Handlers validates request shape and delegates to the engine; no business
// rules live here.
type Handlers struct {
	engine   Engine
	accounts Accounts
	images   ImageStore
	log      *zap.Logger
}

func NewHandlers(engine Engine, accounts Accounts, images ImageStore, log *zap.Logger) *Handlers {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handlers{engine: engine, accounts: accounts, images: images, log: log}
}

type milestoneSpecBody struct {
	Description string  `json:"description"`
	Amount      float64 `json:"amount"`
}

type createProjectBody struct {
	Name         string              `json:"name"`
	Description  string              `json:"description"`
	ClientID     string              `json:"clientId"`
	FreelancerID string              `json:"freelancerId"`
	Milestones   []milestoneSpecBody `json:"milestones"`
}

func (h *Handlers) CreateProject(c *gin.Context) {
	var body createProjectBody
	if err := c.ShouldBindJSON(&body); err != nil {
		failJSON(c, http.StatusBadRequest, "invalid request body")
		return
	}

	specs := make([]escrow.MilestoneSpec, 0, len(body.Milestones))
	for _, m := range body.Milestones {
		specs = append(specs, escrow.MilestoneSpec{Description: m.Description, Amount: m.Amount})
	}

	proj, _, err := h.engine.CreateProject(c.Request.Context(), escrow.CreateProjectParams{
		Name:             body.Name,
		Description:      body.Description,
		ClientHandle:     body.ClientID,
		FreelancerHandle: body.FreelancerID,
		Milestones:       specs,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"success": true, "projectId": proj.ID})
}

type fundEscrowBody struct {
	ProjectID       string  `json:"projectId"`
	Amount          float64 `json:"amount"`
	PaymentMethodID string  `json:"paymentMethodId"`
}

func (h *Handlers) FundEscrow(c *gin.Context) {
	var body fundEscrowBody
	if err := c.ShouldBindJSON(&body); err != nil {
		failJSON(c, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := h.engine.FundEscrow(c.Request.Context(), body.ProjectID, body.Amount, body.PaymentMethodID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "paymentIntentId": res.PaymentIntentID})
}

// SubmitMilestone accepts multipart form data so deliverable images ride
// along with the text payload. A plain JSON body works too.
func (h *Handlers) SubmitMilestone(c *gin.Context) {
	params, err := h.parseSubmission(c)
	if err != nil {
		failJSON(c, http.StatusBadRequest, err.Error())
		return
	}

	ms, err := h.engine.SubmitMilestone(c.Request.Context(), params)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "milestone": milestoneView(ms)})
}

type submitMilestoneBody struct {
	MilestoneID   string   `json:"milestoneId"`
	RepositoryURL string   `json:"repositoryUrl"`
	HostingURL    string   `json:"hostingUrl"`
	ExternalFiles string   `json:"externalFiles"`
	Notes         string   `json:"notes"`
	Images        []string `json:"images"`
}

func (h *Handlers) parseSubmission(c *gin.Context) (escrow.SubmissionParams, error) {
	if !strings.HasPrefix(c.ContentType(), "multipart/form-data") {
		var body submitMilestoneBody
		if err := c.ShouldBindJSON(&body); err != nil {
			return escrow.SubmissionParams{}, errors.New("invalid request body")
		}
		return escrow.SubmissionParams{
			MilestoneID:   body.MilestoneID,
			RepositoryURL: body.RepositoryURL,
			HostingURL:    body.HostingURL,
			ExternalFiles: body.ExternalFiles,
			Notes:         body.Notes,
			Images:        body.Images,
		}, nil
	}

	form, err := c.MultipartForm()
	if err != nil {
		return escrow.SubmissionParams{}, errors.New("invalid multipart form")
	}

	params := escrow.SubmissionParams{
		MilestoneID:   c.PostForm("milestoneId"),
		RepositoryURL: c.PostForm("repositoryUrl"),
		HostingURL:    c.PostForm("hostingUrl"),
		ExternalFiles: c.PostForm("externalFiles"),
		Notes:         c.PostForm("notes"),
	}

	for _, fh := range form.File["images"] {
		f, err := fh.Open()
		if err != nil {
			return escrow.SubmissionParams{}, errors.New("unreadable image upload")
		}
		ref, err := h.images.Save(c.Request.Context(), fh.Filename, f)
		f.Close()
		if err != nil {
			h.log.Warn("image store failed", zap.String("filename", fh.Filename), zap.Error(err))
			return escrow.SubmissionParams{}, errors.New("failed to store image")
		}
		params.Images = append(params.Images, ref)
	}
	return params, nil
}

type releasePaymentBody struct {
	MilestoneID string `json:"milestoneId"`
}

func (h *Handlers) ReleasePayment(c *gin.Context) {
	var body releasePaymentBody
	if err := c.ShouldBindJSON(&body); err != nil {
		failJSON(c, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := h.engine.ReleasePayment(c.Request.Context(), body.MilestoneID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "transferId": res.TransferID})
}

type connectPayeeBody struct {
	Username string `json:"username"`
}

func (h *Handlers) ConnectPayee(c *gin.Context) {
	var body connectPayeeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		failJSON(c, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := h.engine.ConnectPayee(c.Request.Context(), body.Username)
	if err != nil {
		h.respondError(c, err)
		return
	}

	out := gin.H{"success": true, "stripeAccountId": res.PayeeAccountID}
	if res.OnboardingLink != "" {
		out["accountLink"] = res.OnboardingLink
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handlers) CheckPayeeStatus(c *gin.Context) {
	status, err := h.engine.CheckPayeeStatus(c.Request.Context(), c.Param("username"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"accountId": status.PayeeAccountID,
		"capabilities": gin.H{
			"transfers": status.PayoutsActive,
		},
		"transfersEnabled": status.PayoutsActive,
	})
}

type assignFreelancerBody struct {
	FreelancerID string `json:"freelancerId"`
}

func (h *Handlers) AssignFreelancer(c *gin.Context) {
	var body assignFreelancerBody
	if err := c.ShouldBindJSON(&body); err != nil {
		failJSON(c, http.StatusBadRequest, "invalid request body")
		return
	}

	proj, err := h.engine.AssignFreelancer(c.Request.Context(), c.Param("projectId"), body.FreelancerID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "project": projectView(proj)})
}

func (h *Handlers) GetProject(c *gin.Context) {
	proj, milestones, err := h.engine.GetProject(c.Request.Context(), c.Param("projectId"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	views := make([]gin.H, 0, len(milestones))
	for _, ms := range milestones {
		views = append(views, milestoneView(ms))
	}
	c.JSON(http.StatusOK, gin.H{"project": projectView(proj), "milestones": views})
}

func (h *Handlers) GetMilestone(c *gin.Context) {
	ms, err := h.engine.GetMilestone(c.Request.Context(), c.Param("milestoneId"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "milestone": milestoneView(ms)})
}

func (h *Handlers) Register(c *gin.Context) {
	var body account.RegisterRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		failJSON(c, http.StatusBadRequest, "invalid request body")
		return
	}

	acct, err := h.accounts.Register(c.Request.Context(), body)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"success": true, "username": acct.Handle, "role": acct.Role})
}

func (h *Handlers) Login(c *gin.Context) {
	var body account.LoginRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		failJSON(c, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := h.accounts.Login(c.Request.Context(), body)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"token":    res.Token,
		"username": res.Account.Handle,
		"role":     res.Account.Role,
	})
}

func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// respondError maps the engine's error taxonomy onto wire responses. Every
// failure body carries success=false and a human-readable message; an
// accountLink field is the signal to redirect into onboarding rather than
// treat the response as a hard failure.
func (h *Handlers) respondError(c *gin.Context, err error) {
	var notReady *escrow.PayeeNotReadyError
	var perr *escrow.ProcessorError

	switch {
	case errors.As(err, &notReady):
		c.JSON(http.StatusOK, gin.H{
			"success":     false,
			"message":     "payee account setup is incomplete",
			"accountLink": notReady.AccountLink,
		})
	case errors.As(err, &perr):
		failJSON(c, http.StatusPaymentRequired, perr.Message)
	case errors.Is(err, escrow.ErrProjectNotFound),
		errors.Is(err, escrow.ErrMilestoneNotFound),
		errors.Is(err, account.ErrNotFound):
		failJSON(c, http.StatusNotFound, err.Error())
	case errors.Is(err, escrow.ErrStatusConflict):
		failJSON(c, http.StatusConflict, err.Error())
	case errors.Is(err, escrow.ErrInvalidInput),
		errors.Is(err, escrow.ErrNotFreelancer),
		errors.Is(err, escrow.ErrFreelancerNotAssigned),
		errors.Is(err, escrow.ErrMilestoneNotSubmitted),
		errors.Is(err, escrow.ErrMilestoneNotFunded),
		errors.Is(err, escrow.ErrPayeeNotOnboarded),
		errors.Is(err, account.ErrDuplicateHandle),
		errors.Is(err, account.ErrWeakPassword):
		failJSON(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, account.ErrInvalidCredentials):
		failJSON(c, http.StatusUnauthorized, err.Error())
	default:
		h.log.Error("unhandled request error", zap.Error(err))
		failJSON(c, http.StatusInternalServerError, "internal error")
	}
}

func failJSON(c *gin.Context, code int, message string) {
	c.JSON(code, gin.H{"success": false, "message": message})
}

func projectView(p escrow.Project) gin.H {
	view := gin.H{
		"id":                p.ID,
		"name":              p.Name,
		"description":       p.Description,
		"clientId":          p.ClientHandle,
		"totalAmountFunded": p.TotalAmountFunded,
		"status":            p.Status,
		"createdAt":         p.CreatedAt,
	}
	if p.FreelancerHandle != nil {
		view["freelancerId"] = *p.FreelancerHandle
	}
	return view
}

func milestoneView(m escrow.Milestone) gin.H {
	view := gin.H{
		"id":            m.ID,
		"projectId":     m.ProjectID,
		"description":   m.Description,
		"amount":        m.Amount,
		"status":        m.Status,
		"repositoryUrl": m.RepositoryURL,
		"hostingUrl":    m.HostingURL,
		"externalFiles": m.ExternalFiles,
		"notes":         m.Notes,
		"images":        m.Images,
	}
	if m.PaymentIntentID != nil {
		view["paymentIntentId"] = *m.PaymentIntentID
	}
	if m.TransferID != nil {
		view["transferId"] = *m.TransferID
	}
	return view
}
