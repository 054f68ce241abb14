package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"gosuda.org/portal/portal/core/cryptoops"
	"gosuda.org/portal/sdk"
)

var rootCmd = &cobra.Command{
	Use:   "chat-widget",
	Short: "Portal demo chat widget and its messaging relay",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging(flagLogLevel, flagLogPretty)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay between chat widgets and the messaging backend",
	RunE:  runServe,
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Open a chat session from the terminal",
	RunE:  runChat,
}

var (
	flagLogLevel  string
	flagLogPretty bool

	flagServerURLs   []string
	flagPort         int
	flagName         string
	flagCredKey      string
	flagWebhookToken string
	flagBackendURL   string

	flagURL        string
	flagUserID     string
	flagAccount    string
	flagSecret     string
	flagWebhookURL string
)

func init() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("parse environment")
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagLogLevel, "log-level", cfg.LogLevel, "log level (trace, debug, info, warn, error)")
	flags.BoolVar(&flagLogPretty, "log-pretty", cfg.LogPretty, "human readable console logs")

	flags = serveCmd.Flags()
	flags.StringSliceVar(&flagServerURLs, "server-url", cfg.Relays, "relayserver base URL(s); repeat or comma-separated (from env RELAY if set)")
	flags.IntVar(&flagPort, "port", cfg.Port, "local HTTP port (negative to disable)")
	flags.StringVar(&flagName, "name", cfg.Name, "backend display name")
	flags.StringVar(&flagCredKey, "cred-key", cfg.CredKey, "optional credential key to use for the listener (base64 encoded)")
	flags.StringVar(&flagWebhookToken, "webhook-token", cfg.WebhookToken, "token used to sign and verify backend webhooks")
	flags.StringVar(&flagBackendURL, "backend-url", cfg.BackendURL, "messaging backend URL receiving guest messages (empty for echo mode)")

	flags = chatCmd.Flags()
	flags.StringVar(&flagURL, "url", cfg.URL, "relay base URL")
	flags.StringVar(&flagUserID, "user", cfg.UserID, "guest user id")
	flags.StringVar(&flagAccount, "account", cfg.Account, "backend account")
	flags.StringVar(&flagSecret, "secret", cfg.Secret, "backend secret")
	flags.StringVar(&flagWebhookURL, "webhook-url", cfg.WebhookURL, "webhook URL announced to the backend")

	rootCmd.AddCommand(serveCmd, chatCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute chat-widget command")
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	// Cancellation context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var fwd Forwarder = echoForwarder{}
	if flagBackendURL != "" {
		fwd = newHTTPForwarder(flagBackendURL, flagWebhookToken, &http.Client{Timeout: forwardTimeout})
		log.Info().Str("backend", flagBackendURL).Msg("[chat] forwarding guest messages")
	} else {
		log.Info().Msg("[chat] no backend configured, echoing guest messages")
	}
	if flagWebhookToken == "" {
		log.Warn().Msg("[chat] webhook token is empty; /hook refuses every delivery")
	}

	server := newChatServer(fwd)
	handler := NewHandler(server, flagWebhookToken)

	clients, listeners, err := listenRelays(flagServerURLs, flagName, flagCredKey)
	if err != nil {
		return err
	}
	if len(listeners) == 0 && flagPort < 0 {
		return fmt.Errorf("nothing to serve: no relay via --server-url and local port disabled")
	}

	// Serve over each relay listener
	for i, ln := range listeners {
		idx := i
		go func() {
			if err := http.Serve(ln, handler); err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
				log.Error().Err(err).Int("listener", idx).Msg("[chat] relay http error")
			}
		}()
	}

	var httpSrv *http.Server
	if flagPort >= 0 {
		httpSrv = &http.Server{Addr: fmt.Sprintf(":%d", flagPort), Handler: handler, ReadHeaderTimeout: 5 * time.Second, IdleTimeout: 60 * time.Second}
		log.Info().Msgf("[chat] serving locally at http://127.0.0.1:%d", flagPort)
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("[chat] local http stopped")
				stop()
			}
		}()
	}

	<-ctx.Done()
	for _, ln := range listeners {
		_ = ln.Close()
	}
	for _, c := range clients {
		_ = c.Close()
	}
	if httpSrv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(sctx); err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("[chat] http server shutdown error")
		}
	}
	server.closeAll()
	server.wait()
	log.Info().Msg("[chat] shutdown complete")
	return nil
}

// listenRelays opens one portal listener per relay URL, all sharing a
// credential.
func listenRelays(urls []string, name, credKey string) ([]*sdk.RDClient, []net.Listener, error) {
	cred := sdk.NewCredential()
	if credKey != "" {
		key, err := base64.StdEncoding.DecodeString(credKey)
		if err != nil {
			return nil, nil, fmt.Errorf("decode cred key: %w", err)
		}
		cred2, err := cryptoops.NewCredentialFromPrivateKey(key)
		if err != nil {
			return nil, nil, fmt.Errorf("new credential from private key: %w", err)
		}
		cred = cred2
	}

	var clients []*sdk.RDClient
	var listeners []net.Listener
	for _, raw := range urls {
		for _, p := range strings.Split(raw, ",") {
			u := strings.TrimSpace(p)
			if u == "" {
				continue
			}
			client, err := sdk.NewClient(func(c *sdk.RDClientConfig) { c.BootstrapServers = []string{u} })
			if err != nil {
				log.Error().Err(err).Str("url", u).Msg("new client failed")
				continue
			}
			clients = append(clients, client)
			ln, err := client.Listen(cred, name, []string{"http/1.1"})
			if err != nil {
				for _, c := range clients {
					_ = c.Close()
				}
				return nil, nil, fmt.Errorf("listen (%s): %w", u, err)
			}
			listeners = append(listeners, ln)
		}
	}
	return clients, listeners, nil
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	view := newLineView(cmd.OutOrStdout())
	client := NewClient(ClientConfig{
		URL:        flagURL,
		UserID:     flagUserID,
		Account:    flagAccount,
		Secret:     flagSecret,
		WebhookURL: flagWebhookURL,
		OnEntry:    view.Render,
	})

	startCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := client.Start(startCtx); err != nil {
		return fmt.Errorf("start chat: %w", err)
	}
	defer func() {
		if err := client.Close(); err != nil {
			log.Warn().Err(err).Msg("[widget] close chat")
		}
	}()
	view.Printf("chat %s started as %s; /quit to leave", client.ChatID(), flagUserID)

	return runConsole(ctx, client, cmd.InOrStdin(), view)
}
