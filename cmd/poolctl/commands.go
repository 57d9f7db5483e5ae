package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentfront/enclave/internal/config"
	"github.com/agentfront/enclave/internal/pool"
	"github.com/agentfront/enclave/pkg/client"
)

// getClientFlags resolves --server/--token, falling back to
// ENCLAVE_TOKEN when no --token flag was given.
func getClientFlags(cmd *cobra.Command) (string, string) {
	server, _ := cmd.Flags().GetString("server")
	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		token = os.Getenv("ENCLAVE_TOKEN")
	}
	return server, token
}

func newWarmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "warm",
		Short: "Load config, warm a pool to MinWorkers, print its metrics, exit",
		RunE:  runWarm,
	}
	cmd.Flags().String("config", "", "Path to config file")
	return cmd
}

func runWarm(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	svcCfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	poolCfg, err := svcCfg.ToPoolConfig()
	if err != nil {
		return fmt.Errorf("derive pool config: %w", err)
	}

	p := pool.New(poolCfg)
	defer p.Dispose(context.Background())

	if err := p.Initialize(context.Background()); err != nil {
		return fmt.Errorf("warm pool: %w", err)
	}

	return printJSON(p.Metrics())
}

func newExecCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exec",
		Short: "Run one execution against a new local pool, starting its slot on demand",
		RunE:  runExec,
	}
	cmd.Flags().String("config", "", "Path to config file")
	cmd.Flags().String("code", "", "Path to a file containing the JavaScript source to run")
	cmd.Flags().String("input", "{}", "JSON value passed to the execution as inputs")
	cmd.Flags().Duration("timeout", 5*time.Second, "Execution timeout")
	cmd.MarkFlagRequired("code")
	return cmd
}

func runExec(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	codePath, _ := cmd.Flags().GetString("code")
	inputRaw, _ := cmd.Flags().GetString("input")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	codeBytes, err := os.ReadFile(codePath)
	if err != nil {
		return fmt.Errorf("read code file: %w", err)
	}

	var input interface{}
	if err := json.Unmarshal([]byte(inputRaw), &input); err != nil {
		return fmt.Errorf("parse --input as JSON: %w", err)
	}

	svcCfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	poolCfg, err := svcCfg.ToPoolConfig()
	if err != nil {
		return fmt.Errorf("derive pool config: %w", err)
	}

	p := pool.New(poolCfg)
	defer p.Dispose(context.Background())

	out, err := p.Execute(context.Background(), pool.Request{
		Code:    string(codeBytes),
		Input:   input,
		Timeout: timeout,
	})
	if err != nil {
		return fmt.Errorf("execute: %w", err)
	}
	return printJSON(out)
}

func newMetricsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Fetch and print metrics from a running enclave-server",
		RunE:  runMetrics,
	}
	return cmd
}

func runMetrics(cmd *cobra.Command, args []string) error {
	server, token := getClientFlags(cmd)
	c := client.NewClient(client.Config{BaseURL: server, Token: token})

	m, err := c.Metrics(cmd.Context())
	if err != nil {
		return fmt.Errorf("fetch metrics: %w", err)
	}
	return printJSON(m)
}

func newDisposeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dispose",
		Short: "Dispose a running enclave-server's pool",
		RunE:  runDispose,
	}
	return cmd
}

func runDispose(cmd *cobra.Command, args []string) error {
	server, token := getClientFlags(cmd)
	c := client.NewClient(client.Config{BaseURL: server, Token: token})

	if err := c.Dispose(cmd.Context()); err != nil {
		return fmt.Errorf("dispose: %w", err)
	}
	fmt.Println("disposed")
	return nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
