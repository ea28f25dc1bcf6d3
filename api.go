package relay

import (
	"time"

	"github.com/fasthttp/router"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// RestResponse is the envelope every status API response uses.
type RestResponse struct {
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
	Ok    bool   `json:"ok"`
}

type ManagerStatusResponse struct {
	Identifier  string                `json:"identifier"`
	DisplayName string                `json:"display_name"`
	Status      string                `json:"status"`
	ShardCount  int32                 `json:"shard_count"`
	Shards      []ShardStatusResponse `json:"shards"`
}

type ShardStatusResponse struct {
	ShardID           int32  `json:"shard_id"`
	Status            string `json:"status"`
	GatewayLatencyMs  int64  `json:"gateway_latency_ms"`
	Guilds            int    `json:"guilds"`
	UnavailableGuilds int    `json:"unavailable_guilds"`
	UptimeSeconds     int64  `json:"uptime_seconds"`
}

// serveHTTP runs the status API until the relay context is cancelled.
func (relay *Relay) serveHTTP(host string) {
	statusRouter := router.New()
	statusRouter.GET("/api/status", relay.statusHandler)
	statusRouter.GET("/api/status/{manager}", relay.managerStatusHandler)
	statusRouter.GET("/metrics", fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler()))

	relay.logger.Info().Str("host", host).Msg("Running HTTP server")

	if err := fasthttp.ListenAndServe(host, statusRouter.Handler); err != nil {
		relay.logger.Error().Err(err).Msg("Error occurred whilst running fasthttp")
	}
}

func (relay *Relay) statusHandler(ctx *fasthttp.RequestCtx) {
	managers := make([]ManagerStatusResponse, 0)

	relay.managers.Range(func(_ string, manager *Manager) bool {
		managers = append(managers, manager.statusResponse())

		return true
	})

	writeRestResponse(ctx, fasthttp.StatusOK, RestResponse{Ok: true, Data: managers})
}

func (relay *Relay) managerStatusHandler(ctx *fasthttp.RequestCtx) {
	identifier, _ := ctx.UserValue("manager").(string)

	manager, ok := relay.managers.Load(identifier)
	if !ok {
		writeRestResponse(ctx, fasthttp.StatusNotFound, RestResponse{Error: "no such manager"})

		return
	}

	writeRestResponse(ctx, fasthttp.StatusOK, RestResponse{Ok: true, Data: manager.statusResponse()})
}

func (manager *Manager) statusResponse() ManagerStatusResponse {
	configuration := manager.configuration.Load()

	response := ManagerStatusResponse{
		Identifier:  configuration.Identifier,
		DisplayName: configuration.DisplayName,
		Status:      manager.Status().String(),
		ShardCount:  manager.shardCount.Load(),
		Shards:      make([]ShardStatusResponse, 0),
	}

	manager.shards.Range(func(_ int32, shard *Shard) bool {
		var uptime int64
		if readyAt := shard.readyAt.Load(); !readyAt.IsZero() {
			uptime = int64(time.Since(readyAt).Seconds())
		}

		response.Shards = append(response.Shards, ShardStatusResponse{
			ShardID:           shard.ShardID,
			Status:            shard.Status().String(),
			GatewayLatencyMs:  shard.Latency().Milliseconds(),
			Guilds:            shard.guilds.Count(),
			UnavailableGuilds: shard.unavailableGuilds.Count(),
			UptimeSeconds:     uptime,
		})

		return true
	})

	return response
}

func writeRestResponse(ctx *fasthttp.RequestCtx, statusCode int, response RestResponse) {
	body, err := jsoniter.Marshal(response)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)

		return
	}

	ctx.Response.Header.SetContentType("application/json;charset=UTF-8")
	ctx.SetStatusCode(statusCode)
	ctx.Write(body) //nolint:errcheck
}
