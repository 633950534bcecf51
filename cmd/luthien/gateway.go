package main

import (
	"context"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/LuthienResearch/luthien-proxy-sub000/internal/config"
	"github.com/LuthienResearch/luthien-proxy-sub000/internal/gateway"
	"github.com/LuthienResearch/luthien-proxy-sub000/internal/llmclient"
	"github.com/LuthienResearch/luthien-proxy-sub000/internal/protocol"
	"github.com/LuthienResearch/luthien-proxy-sub000/internal/proxy"
)

func gatewayCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the client-facing proxy gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway(cmd.Context())
		},
	}
}

func runGateway(ctx context.Context) error {
	env := config.FromEnv()
	fileCfg, err := config.LoadFile(env.ConfigFile)
	if err != nil {
		return err
	}

	clients := make(map[llmclient.ProviderType]llmclient.Client)
	for i := range fileCfg.Providers {
		provider := &fileCfg.Providers[i]
		if _, ok := clients[provider.Type]; ok {
			continue
		}
		client, err := llmclient.New(provider)
		if err != nil {
			return err
		}
		clients[provider.Type] = client
		logrus.Infof("Upstream provider %q (%s) configured", provider.Name, provider.Type)
	}
	if len(clients) == 0 {
		logrus.Warn("No upstream providers configured; /v1 endpoints will return 503")
	}
	defer func() {
		for _, client := range clients {
			_ = client.Close()
		}
	}()

	manager := proxy.NewManager(env.ControlPlaneURL)
	defer manager.CloseAll()
	orchestrator := proxy.NewOrchestrator(manager, env.StreamTimeout, nil)
	hooks := gateway.NewHookClient(env.ControlPlaneURL)
	orchestrator.NotifyTimeouts(func(callID string, chunkIndex int) {
		go hooks.Invoke(context.Background(), protocol.HookChunkTimeout, map[string]interface{}{
			"litellm_call_id": callID,
			"chunk_index":     chunkIndex,
			"post_time_ns":    time.Now().UnixNano(),
		})
	})
	server := gateway.NewServer(hooks, orchestrator, clients)

	httpServer := &http.Server{Addr: env.GatewayAddr, Handler: server.Handler()}
	return serveUntilSignal(ctx, httpServer, "gateway", nil)
}
