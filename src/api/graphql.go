package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/graphql-go/graphql"

	"github.com/apimgr/buildhub/src/config"
	"github.com/apimgr/buildhub/src/model"
	"github.com/apimgr/buildhub/src/scheduler"
)

// GraphQL read-only views over the scheduler state. Mutations stay on the
// JSON endpoints.

var hostType = graphql.NewObject(graphql.ObjectConfig{
	Name: "Host",
	Fields: graphql.Fields{
		"id":         &graphql.Field{Type: graphql.Int},
		"name":       &graphql.Field{Type: graphql.String},
		"arches":     &graphql.Field{Type: graphql.String},
		"channels":   &graphql.Field{Type: graphql.NewList(graphql.Int)},
		"capacity":   &graphql.Field{Type: graphql.Float},
		"taskLoad":   &graphql.Field{Type: graphql.Float},
		"ready":      &graphql.Field{Type: graphql.Boolean},
		"enabled":    &graphql.Field{Type: graphql.Boolean},
		"lastUpdate": &graphql.Field{Type: graphql.String},
	},
})

var taskType = graphql.NewObject(graphql.ObjectConfig{
	Name: "Task",
	Fields: graphql.Fields{
		"id":        &graphql.Field{Type: graphql.Int},
		"method":    &graphql.Field{Type: graphql.String},
		"channelId": &graphql.Field{Type: graphql.Int},
		"arch":      &graphql.Field{Type: graphql.String},
		"weight":    &graphql.Field{Type: graphql.Float},
		"priority":  &graphql.Field{Type: graphql.Int},
		"state":     &graphql.Field{Type: graphql.String},
		"hostId":    &graphql.Field{Type: graphql.Int},
		"createTs":  &graphql.Field{Type: graphql.String},
	},
})

var runType = graphql.NewObject(graphql.ObjectConfig{
	Name: "TaskRun",
	Fields: graphql.Fields{
		"id":       &graphql.Field{Type: graphql.Int},
		"taskId":   &graphql.Field{Type: graphql.Int},
		"hostId":   &graphql.Field{Type: graphql.Int},
		"state":    &graphql.Field{Type: graphql.String},
		"createTs": &graphql.Field{Type: graphql.String},
		"startTs":  &graphql.Field{Type: graphql.String},
		"endTs":    &graphql.Field{Type: graphql.String},
	},
})

var refusalType = graphql.NewObject(graphql.ObjectConfig{
	Name: "Refusal",
	Fields: graphql.Fields{
		"hostId": &graphql.Field{Type: graphql.Int},
		"taskId": &graphql.Field{Type: graphql.Int},
		"soft":   &graphql.Field{Type: graphql.Boolean},
		"byHost": &graphql.Field{Type: graphql.Boolean},
		"msg":    &graphql.Field{Type: graphql.String},
		"ts":     &graphql.Field{Type: graphql.String},
	},
})

var logMessageType = graphql.NewObject(graphql.ObjectConfig{
	Name: "LogMessage",
	Fields: graphql.Fields{
		"id":       &graphql.Field{Type: graphql.Int},
		"ts":       &graphql.Field{Type: graphql.String},
		"taskId":   &graphql.Field{Type: graphql.Int},
		"hostId":   &graphql.Field{Type: graphql.Int},
		"hostName": &graphql.Field{Type: graphql.String},
		"msg":      &graphql.Field{Type: graphql.String},
	},
})

var healthType = graphql.NewObject(graphql.ObjectConfig{
	Name: "Health",
	Fields: graphql.Fields{
		"status":    &graphql.Field{Type: graphql.String},
		"version":   &graphql.Field{Type: graphql.String},
		"node":      &graphql.Field{Type: graphql.String},
		"timestamp": &graphql.Field{Type: graphql.String},
	},
})

// GraphQLHandler serves the query schema
type GraphQLHandler struct {
	schema  graphql.Schema
	handler *Handler
}

// NewGraphQLHandler creates a new GraphQL handler
func NewGraphQLHandler(h *Handler) (*GraphQLHandler, error) {
	gqlHandler := &GraphQLHandler{handler: h}

	schema, err := gqlHandler.buildSchema()
	if err != nil {
		return nil, fmt.Errorf("failed to build GraphQL schema: %w", err)
	}

	gqlHandler.schema = schema
	return gqlHandler, nil
}

func (g *GraphQLHandler) buildSchema() (graphql.Schema, error) {
	queryType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Query",
		Fields: graphql.Fields{
			"healthz": &graphql.Field{
				Type:        healthType,
				Description: "Get health status",
				Resolve:     g.resolveHealthz,
			},
			"hosts": &graphql.Field{
				Type:        graphql.NewList(hostType),
				Description: "Get all build hosts",
				Resolve:     g.resolveHosts,
			},
			"host": &graphql.Field{
				Type:        hostType,
				Description: "Get host by ID",
				Args: graphql.FieldConfigArgument{
					"id": &graphql.ArgumentConfig{
						Type:        graphql.NewNonNull(graphql.Int),
						Description: "Host ID",
					},
				},
				Resolve: g.resolveHost,
			},
			"task": &graphql.Field{
				Type:        taskType,
				Description: "Get task by ID",
				Args: graphql.FieldConfigArgument{
					"id": &graphql.ArgumentConfig{
						Type:        graphql.NewNonNull(graphql.Int),
						Description: "Task ID",
					},
				},
				Resolve: g.resolveTask,
			},
			"runs": &graphql.Field{
				Type:        graphql.NewList(runType),
				Description: "Get task runs, newest first",
				Args: graphql.FieldConfigArgument{
					"taskId": &graphql.ArgumentConfig{
						Type:        graphql.Int,
						Description: "Filter by task",
					},
					"hostId": &graphql.ArgumentConfig{
						Type:        graphql.Int,
						Description: "Filter by host",
					},
					"state": &graphql.ArgumentConfig{
						Type:        graphql.String,
						Description: "Filter by run state",
					},
				},
				Resolve: g.resolveRuns,
			},
			"refusals": &graphql.Field{
				Type:        graphql.NewList(refusalType),
				Description: "Get task refusals",
				Args: graphql.FieldConfigArgument{
					"taskId": &graphql.ArgumentConfig{
						Type:        graphql.Int,
						Description: "Filter by task",
					},
					"hostId": &graphql.ArgumentConfig{
						Type:        graphql.Int,
						Description: "Filter by host",
					},
				},
				Resolve: g.resolveRefusals,
			},
			"logs": &graphql.Field{
				Type:        graphql.NewList(logMessageType),
				Description: "Get scheduler event log, newest first",
				Args: graphql.FieldConfigArgument{
					"taskId": &graphql.ArgumentConfig{
						Type:        graphql.Int,
						Description: "Filter by task",
					},
					"hostId": &graphql.ArgumentConfig{
						Type:        graphql.Int,
						Description: "Filter by host",
					},
					"limit": &graphql.ArgumentConfig{
						Type:         graphql.Int,
						Description:  "Maximum rows",
						DefaultValue: 100,
					},
				},
				Resolve: g.resolveLogs,
			},
		},
	})

	return graphql.NewSchema(graphql.SchemaConfig{
		Query: queryType,
	})
}

// Resolvers

func (g *GraphQLHandler) resolveHealthz(p graphql.ResolveParams) (interface{}, error) {
	status := "ok"
	if err := g.handler.db.Ping(p.Context); err != nil {
		status = "unhealthy"
	}
	return map[string]interface{}{
		"status":    status,
		"version":   config.Version,
		"node":      g.handler.sched.NodeID(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func (g *GraphQLHandler) resolveHosts(p graphql.ResolveParams) (interface{}, error) {
	hosts, err := g.handler.sched.ListHosts(p.Context)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]interface{}, 0, len(hosts))
	for _, h := range hosts {
		out = append(out, hostMap(h))
	}
	return out, nil
}

func (g *GraphQLHandler) resolveHost(p graphql.ResolveParams) (interface{}, error) {
	id, ok := p.Args["id"].(int)
	if !ok {
		return nil, fmt.Errorf("id is required")
	}
	h, err := g.handler.sched.GetHost(p.Context, int64(id))
	if err != nil {
		return nil, err
	}
	return hostMap(h), nil
}

func (g *GraphQLHandler) resolveTask(p graphql.ResolveParams) (interface{}, error) {
	id, ok := p.Args["id"].(int)
	if !ok {
		return nil, fmt.Errorf("id is required")
	}
	t, err := g.handler.sched.GetTask(p.Context, int64(id))
	if err != nil {
		return nil, err
	}
	return taskMap(t), nil
}

func (g *GraphQLHandler) resolveRuns(p graphql.ResolveParams) (interface{}, error) {
	var filter scheduler.RunFilter
	if v, ok := p.Args["taskId"].(int); ok {
		id := int64(v)
		filter.TaskID = &id
	}
	if v, ok := p.Args["hostId"].(int); ok {
		id := int64(v)
		filter.HostID = &id
	}
	if v, ok := p.Args["state"].(string); ok {
		filter.State = model.RunState(v)
	}

	runs, err := g.handler.sched.GetTaskRuns(p.Context, filter)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]interface{}, 0, len(runs))
	for _, r := range runs {
		out = append(out, runMap(r))
	}
	return out, nil
}

func (g *GraphQLHandler) resolveRefusals(p graphql.ResolveParams) (interface{}, error) {
	var filter scheduler.RefusalFilter
	if v, ok := p.Args["taskId"].(int); ok {
		id := int64(v)
		filter.TaskID = &id
	}
	if v, ok := p.Args["hostId"].(int); ok {
		id := int64(v)
		filter.HostID = &id
	}

	refusals, err := g.handler.sched.GetTaskRefusals(p.Context, filter)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]interface{}, 0, len(refusals))
	for _, r := range refusals {
		out = append(out, map[string]interface{}{
			"hostId": r.HostID,
			"taskId": r.TaskID,
			"soft":   r.Soft,
			"byHost": r.ByHost,
			"msg":    r.Msg,
			"ts":     r.Time.UTC().Format(time.RFC3339),
		})
	}
	return out, nil
}

func (g *GraphQLHandler) resolveLogs(p graphql.ResolveParams) (interface{}, error) {
	var filter scheduler.LogFilter
	if v, ok := p.Args["taskId"].(int); ok {
		id := int64(v)
		filter.TaskID = &id
	}
	if v, ok := p.Args["hostId"].(int); ok {
		id := int64(v)
		filter.HostID = &id
	}
	if v, ok := p.Args["limit"].(int); ok {
		filter.Limit = v
	}

	logs, err := g.handler.sched.GetLogMessages(p.Context, filter)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]interface{}, 0, len(logs))
	for _, lm := range logs {
		m := map[string]interface{}{
			"id":       lm.ID,
			"ts":       lm.Time.UTC().Format(time.RFC3339),
			"hostName": lm.HostName,
			"msg":      lm.Msg,
		}
		if lm.TaskID != nil {
			m["taskId"] = *lm.TaskID
		}
		if lm.HostID != nil {
			m["hostId"] = *lm.HostID
		}
		out = append(out, m)
	}
	return out, nil
}

func hostMap(h *model.Host) map[string]interface{} {
	return map[string]interface{}{
		"id":         h.ID,
		"name":       h.Name,
		"arches":     h.Arches,
		"channels":   h.Channels,
		"capacity":   h.Capacity,
		"taskLoad":   h.TaskLoad,
		"ready":      h.Ready,
		"enabled":    h.Enabled,
		"lastUpdate": h.LastUpdate.UTC().Format(time.RFC3339),
	}
}

func taskMap(t *model.Task) map[string]interface{} {
	m := map[string]interface{}{
		"id":        t.ID,
		"method":    t.Method,
		"channelId": t.ChannelID,
		"arch":      t.Arch,
		"weight":    t.Weight,
		"priority":  t.Priority,
		"state":     string(t.State),
		"createTs":  t.CreateTime.UTC().Format(time.RFC3339),
	}
	if t.HostID != nil {
		m["hostId"] = *t.HostID
	}
	return m
}

func runMap(r *model.TaskRun) map[string]interface{} {
	m := map[string]interface{}{
		"id":       r.ID,
		"taskId":   r.TaskID,
		"hostId":   r.HostID,
		"state":    string(r.State),
		"createTs": r.CreateTime.UTC().Format(time.RFC3339),
	}
	if r.StartTime != nil {
		m["startTs"] = r.StartTime.UTC().Format(time.RFC3339)
	}
	if r.EndTime != nil {
		m["endTs"] = r.EndTime.UTC().Format(time.RFC3339)
	}
	return m
}

// ServeHTTP executes a GraphQL query
func (g *GraphQLHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var params struct {
		Query         string                 `json:"query"`
		OperationName string                 `json:"operationName"`
		Variables     map[string]interface{} `json:"variables"`
	}

	if r.Method == http.MethodPost {
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
	} else if r.Method == http.MethodGet {
		params.Query = r.URL.Query().Get("query")
		params.OperationName = r.URL.Query().Get("operationName")
		if varsStr := r.URL.Query().Get("variables"); varsStr != "" {
			json.Unmarshal([]byte(varsStr), &params.Variables)
		}
	} else {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	result := graphql.Do(graphql.Params{
		Schema:         g.schema,
		RequestString:  params.Query,
		OperationName:  params.OperationName,
		VariableValues: params.Variables,
		Context:        r.Context(),
	})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// handleGraphQL builds the schema on first use and serves queries
func (h *Handler) handleGraphQL(w http.ResponseWriter, r *http.Request) {
	h.gqlOnce.Do(func() {
		h.gql, h.gqlErr = NewGraphQLHandler(h)
	})
	if h.gqlErr != nil {
		h.errorResponse(w, http.StatusInternalServerError, model.FaultGeneric, h.gqlErr.Error())
		return
	}
	h.gql.ServeHTTP(w, r)
}
