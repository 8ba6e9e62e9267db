package coordinator

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NodeResponse is the JSON shape returned by the node-listing endpoints.
// Grounded on the teacher's WorkerResponse in master/api_workers.go,
// generalized from Docker-worker inventory fields to Node fields.
type NodeResponse struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Role     string `json:"role"`
	Status   string `json:"status"`
	Address  string `json:"address"`
	JoinedAt string `json:"joinedAt"`
	LastPing string `json:"lastPing"`
}

func nodeToResponse(n *Node) NodeResponse {
	return NodeResponse{
		ID:       n.ID,
		Name:     n.Name,
		Role:     n.Role,
		Status:   n.Status,
		Address:  n.Address,
		JoinedAt: n.JoinedAt.Format(timeLayout),
		LastPing: n.LastPing.Format(timeLayout),
	}
}

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// RegisterRoutes wires the coordinator's HTTP API, mirroring the teacher's
// RegisterWorkerRoutes grouping-by-resource convention.
func (c *Coordinator) RegisterRoutes(r gin.IRouter) {
	r.GET("/health", c.health.HealthHandler())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	nodes := r.Group("/api/nodes")
	{
		nodes.GET("", c.listNodes)
		nodes.GET("/:id", c.getNode)
	}

	tasks := r.Group("/api/tasks")
	{
		tasks.GET("", c.listTasks)
		tasks.GET("/:id", c.getTask)
		tasks.POST("", c.submitTask)
	}

	migrations := r.Group("/api/migrations")
	{
		migrations.POST("", c.requestMigrationHTTP)
	}

	r.GET("/api/registry/stats", c.getRegistryStats)
	r.GET("/ws", c.hub.HandleWebSocket)
}

func (c *Coordinator) listNodes(ctx *gin.Context) {
	nodes := c.nodes.List()
	out := make([]NodeResponse, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, nodeToResponse(n))
	}
	ctx.JSON(http.StatusOK, gin.H{"nodes": out})
}

func (c *Coordinator) getNode(ctx *gin.Context) {
	n, ok := c.nodes.Get(ctx.Param("id"))
	if !ok {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "node not found"})
		return
	}
	ctx.JSON(http.StatusOK, nodeToResponse(n))
}

func (c *Coordinator) listTasks(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"tasks": c.tasks.List()})
}

func (c *Coordinator) getTask(ctx *gin.Context) {
	t, ok := c.tasks.Get(ctx.Param("id"))
	if !ok {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	ctx.JSON(http.StatusOK, t)
}

// submitTaskRequest is the JSON body accepted by POST /api/tasks.
type submitTaskRequest struct {
	Name          string                 `json:"name"`
	BundleName    string                 `json:"bundleName"`
	CustomCode    string                 `json:"customCode"`
	MigrationType string                 `json:"migrationType"`
	Params        map[string]interface{} `json:"params"`
}

func (c *Coordinator) submitTask(ctx *gin.Context) {
	var req submitTaskRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	task, err := c.SubmitTask(req.Name, req.BundleName, req.CustomCode, req.MigrationType, req.Params)
	if err != nil {
		ctx.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	ctx.JSON(http.StatusCreated, task)
}

func (c *Coordinator) getRegistryStats(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, c.registry.Stats())
}

type requestMigrationRequest struct {
	TaskID        string `json:"taskId"`
	TargetNodeID  string `json:"targetNodeId"`
	MigrationType string `json:"migrationType"`
}

func (c *Coordinator) requestMigrationHTTP(ctx *gin.Context) {
	var req requestMigrationRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	task, ok := c.tasks.Get(req.TaskID)
	if !ok {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}

	targetID := req.TargetNodeID
	if targetID == "" {
		target, ok := c.nodes.FindAvailableWorker(task.CurrentNodeID)
		if !ok {
			ctx.JSON(http.StatusServiceUnavailable, gin.H{"error": "no available worker"})
			return
		}
		targetID = target.ID
	}

	migrationType := req.MigrationType
	if migrationType == "" {
		migrationType = task.MigrationType
	}

	requestID := uuid.NewString()
	go func() {
		_ = c.orchestrator.RequestMigration(task.ID, task.CurrentNodeID, targetID, migrationType)
	}()

	ctx.JSON(http.StatusAccepted, gin.H{"requestId": requestID, "taskId": task.ID, "targetNodeId": targetID})
}
