package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/shepherd-project/evolver/internal/catalog"
	"github.com/shepherd-project/evolver/internal/monitor"
	"github.com/shepherd-project/evolver/internal/recipe"
	"github.com/shepherd-project/evolver/internal/service"
	"github.com/shepherd-project/evolver/internal/tasks"
	"github.com/shepherd-project/evolver/internal/types"
	"github.com/shepherd-project/evolver/internal/version"
)

const sessionKey = "sessionId"

type generateBody struct {
	ModelName    string   `json:"model_name" binding:"required"`
	Prompt       string   `json:"prompt"`
	MaxNewTokens *int     `json:"max_new_tokens"`
	Temperature  *float64 `json:"temperature"`
}

type mergeBody struct {
	Model1Name       string           `json:"model1_name" binding:"required"`
	Model2Name       string           `json:"model2_name" binding:"required"`
	LayerRecipe      recipe.MergePlan `json:"layer_recipe" binding:"required"`
	EmbeddingLambdas []float64        `json:"embedding_lambdas"`
	LinearLambdas    []float64        `json:"linear_lambdas"`
	MergedName       string           `json:"merged_name"`
}

type taskReply struct {
	TaskID string `json:"task_id"`
}

// InfoResponse is the payload of GET /api/info.
type InfoResponse struct {
	Name      string               `json:"name"`
	Version   *version.VersionInfo `json:"version"`
	Catalog   *catalog.Status      `json:"catalog,omitempty"`
	Queue     *tasks.Stats         `json:"queue,omitempty"`
	Resources *monitor.Resources   `json:"resources,omitempty"`
	Clients   int                  `json:"clients"`
}

// sessionMiddleware resolves the caller's session scope from its cookie and
// issues a fresh one when the cookie is missing or malformed.
func (s *Server) sessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := c.Cookie(s.config.CookieName)
		if err == nil {
			_, err = uuid.Parse(id)
		}
		if err != nil {
			id = uuid.NewString()
			c.SetSameSite(http.SameSiteNoneMode)
			c.SetCookie(s.config.CookieName, id, int(s.config.SessionTTL.Seconds()), "/", "", s.config.CookieSecure, true)
		}
		c.Set(sessionKey, id)
		c.Next()
	}
}

func (s *Server) submitted(c *gin.Context, h tasks.Handle, err error) {
	if err != nil {
		detail(c, err)
		return
	}
	c.JSON(http.StatusOK, taskReply{TaskID: string(h)})
}

func lambdaPair(name string, values []float64) (*recipe.LambdaPair, error) {
	if values == nil {
		return nil, nil
	}
	if len(values) != 2 {
		return nil, types.NewValidationError("%s must hold exactly two values, got %d", name, len(values))
	}
	return &recipe.LambdaPair{values[0], values[1]}, nil
}

func badBody(c *gin.Context, err error) {
	detail(c, types.NewValidationError("malformed request body: %v", err))
}

func (s *Server) handleGenerate(c *gin.Context) {
	var body generateBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badBody(c, err)
		return
	}
	h, err := s.deps.Service.SubmitGenerate(service.GenerateRequest{
		Scope:        c.GetString(sessionKey),
		ModelName:    body.ModelName,
		Prompt:       body.Prompt,
		MaxNewTokens: body.MaxNewTokens,
		Temperature:  body.Temperature,
	})
	s.submitted(c, h, err)
}

func (s *Server) handleMerge(c *gin.Context) {
	var body mergeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badBody(c, err)
		return
	}
	emb, err := lambdaPair("embedding_lambdas", body.EmbeddingLambdas)
	if err != nil {
		detail(c, err)
		return
	}
	lin, err := lambdaPair("linear_lambdas", body.LinearLambdas)
	if err != nil {
		detail(c, err)
		return
	}
	h, err := s.deps.Service.SubmitMerge(service.MergeRequest{
		Scope:            c.GetString(sessionKey),
		Model1:           body.Model1Name,
		Model2:           body.Model2Name,
		Plan:             body.LayerRecipe,
		EmbeddingLambdas: emb,
		LinearLambdas:    lin,
		DesiredName:      body.MergedName,
	})
	s.submitted(c, h, err)
}

func (s *Server) handleListModels(c *gin.Context) {
	h, err := s.deps.Service.SubmitListModels(c.GetString(sessionKey))
	s.submitted(c, h, err)
}

func (s *Server) handleClearSession(c *gin.Context) {
	h, err := s.deps.Service.SubmitClearSession(c.GetString(sessionKey))
	s.submitted(c, h, err)
}

// handleTaskStatus reports a task. A failed task is answered with HTTP 500
// and its error text.
func (s *Server) handleTaskStatus(c *gin.Context) {
	st, err := s.deps.Service.PollStatus(tasks.Handle(c.Param("id")))
	if err != nil {
		detail(c, err)
		return
	}

	switch st.State {
	case tasks.StateFailure:
		info := st.Error
		if info == nil {
			info = types.NewInternalError(nil, "task failed")
		}
		c.Error(info)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": message(info), "code": info.Code})
	case tasks.StateSuccess:
		c.JSON(http.StatusOK, gin.H{"status": st.State, "result": st.Result})
	default:
		c.JSON(http.StatusOK, gin.H{"status": st.State, "running": st.Running})
	}
}

func (s *Server) handleInfo(c *gin.Context) {
	info := InfoResponse{
		Name:    version.Name,
		Version: version.GetVersionInfo(),
	}
	if s.deps.Catalog != nil {
		st := s.deps.Catalog.Status()
		info.Catalog = &st
	}
	if s.deps.Queue != nil {
		st := s.deps.Queue.Stats()
		info.Queue = &st
	}
	if s.deps.Resources != nil {
		info.Resources = s.deps.Resources.Latest(c.Request.Context())
	}
	if s.deps.Hub != nil {
		info.Clients = s.deps.Hub.ClientCount()
	}
	success(c, info)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}
