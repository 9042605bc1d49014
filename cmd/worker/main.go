package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/kira-kanban/dispatch-core/internal/executor"
	"github.com/kira-kanban/dispatch-core/internal/workerruntime"
)

var (
	serverURL     string
	userName      string
	password      string
	pollSeconds   int
	jiraBaseURL   string
	jiraToken     string
	gitlabBaseURL string
	gitlabToken   string
	agentCommand  string
)

var rootCmd = &cobra.Command{
	Use:   "dispatch-worker",
	Short: "WorkerRuntime daemon for the dispatch core",
	Long: `Registers with the dispatch core's WorkerProtocol, then polls for
pending tasks, claims and executes them (via the configured AI CLI for
agent_run tasks, or the Jira/GitLab clients for integration tasks), and
reports progress, completion, or failure back to the server.`,
	RunE: runWorker,
}

func init() {
	rootCmd.Flags().StringVar(&serverURL, "server", "", "dispatch core base URL (required)")
	rootCmd.Flags().StringVar(&userName, "user", "", "user name to authenticate as (required)")
	rootCmd.Flags().StringVar(&password, "password", "", "auth token/password (prompted if omitted)")
	rootCmd.Flags().IntVar(&pollSeconds, "poll", 5, "poll interval in seconds")
	rootCmd.Flags().StringVar(&agentCommand, "agent-command", "agent", "AI CLI command to invoke for agent_run tasks")
	rootCmd.Flags().StringVar(&jiraBaseURL, "jira-url", "", "Jira base URL")
	rootCmd.Flags().StringVar(&jiraToken, "jira-token", "", "Jira API token")
	rootCmd.Flags().StringVar(&gitlabBaseURL, "gitlab-url", "", "GitLab base URL")
	rootCmd.Flags().StringVar(&gitlabToken, "gitlab-token", "", "GitLab API token")
	rootCmd.MarkFlagRequired("server")
	rootCmd.MarkFlagRequired("user")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if strings.Contains(err.Error(), "401") || strings.Contains(err.Error(), "authentication") {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func runWorker(cmd *cobra.Command, args []string) error {
	logger := initLogger()

	if password == "" {
		password = promptPassword()
	}
	if password == "" {
		logger.Error().Msg("no auth token provided")
		return fmt.Errorf("authentication failure: no password or token provided")
	}

	hostname, _ := os.Hostname()

	clientCfg := workerruntime.DefaultClientConfig(serverURL, password, userName)
	client := workerruntime.NewServerClient(clientCfg)

	runtimeCfg := workerruntime.DefaultRuntimeConfig(hostname, "1.0.0")
	if pollSeconds > 0 {
		runtimeCfg.PollInterval = time.Duration(pollSeconds) * time.Second
	}

	agentExec := executor.NewAgentExecutor(agentCommand, nil, logger)
	integrationExec := executor.NewIntegrationExecutor(executor.Credentials{
		JiraBaseURL:   jiraBaseURL,
		JiraToken:     jiraToken,
		GitlabBaseURL: gitlabBaseURL,
		GitlabToken:   gitlabToken,
	}, logger)

	rt := workerruntime.NewRuntime(client, agentExec, integrationExec, runtimeCfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rt.Bootstrap(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to register with dispatch core")
		return fmt.Errorf("startup error: %w", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		logger.Info().Msg("shutdown signal received")
		cancel()
	}()

	logger.Info().Str("server", serverURL).Msg("worker runtime started")
	rt.Run(ctx)
	logger.Info().Msg("worker runtime exited")
	return nil
}

func promptPassword() string {
	fmt.Fprint(os.Stderr, "Password/token: ")
	reader := bufio.NewReader(os.Stdin)
	line, _ := reader.ReadString('\n')
	return strings.TrimSpace(line)
}

func initLogger() zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	output := zerolog.ConsoleWriter{Out: os.Stdout}
	return zerolog.New(output).Level(zerolog.InfoLevel).With().Timestamp().Str("service", "dispatch-worker").Logger()
}
