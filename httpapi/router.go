package httpapi

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// NewRouter wires the API surface. Paths mirror what the web client calls;
// mutation endpoints sit behind bearer auth, reads and auth itself are open.
func NewRouter(h *Handlers, verifier TokenVerifier) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "Authorization", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	r.GET("/health", h.Health)
	r.POST("/register", h.Register)
	r.POST("/login", h.Login)

	r.GET("/project/:projectId", h.GetProject)
	r.GET("/milestone/:milestoneId", h.GetMilestone)
	r.GET("/check-stripe-status/:username", h.CheckPayeeStatus)

	authed := r.Group("/", AuthMiddleware(verifier))
	{
		authed.POST("/create-project", h.CreateProject)
		authed.POST("/fund-escrow", h.FundEscrow)
		authed.POST("/submit-milestone", h.SubmitMilestone)
		authed.POST("/release-payment", h.ReleasePayment)
		authed.POST("/connect-stripe", h.ConnectPayee)
		authed.PUT("/project/:projectId/assign-freelancer", h.AssignFreelancer)
	}

	return r
}
