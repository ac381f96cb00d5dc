package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/tpmjs/tpmjs/internal/config"
	"github.com/tpmjs/tpmjs/internal/tool"
)

var (
	executeConfigPath string
	executeVersion    string
	executeParams     string
	executeEnv        []string
	executeTimeout    time.Duration
	executeDebug      bool
)

var executeCmd = &cobra.Command{
	Use:   "execute <package> <export>",
	Short: "Execute one tool in an ephemeral sandbox and print the outcome",
	Args:  cobra.ExactArgs(2),
	RunE:  runExecute,
}

func init() {
	executeCmd.Flags().StringVar(&executeConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	executeCmd.Flags().StringVar(&executeVersion, "version", "", "package version (default: latest)")
	executeCmd.Flags().StringVar(&executeParams, "params", "", "tool parameters as a JSON object")
	executeCmd.Flags().StringArrayVar(&executeEnv, "env", nil, "sandbox environment entries (KEY=VALUE, repeatable)")
	executeCmd.Flags().DurationVar(&executeTimeout, "timeout", 5*time.Minute, "overall deadline for the invocation")
	executeCmd.Flags().BoolVar(&executeDebug, "debug", false, "enable debug logging")
}

func runExecute(_ *cobra.Command, args []string) error {
	logger := newLogger(executeDebug)

	cfg, err := loadOrDefault(goutils.Env("TPMJS_CONFIG", executeConfigPath))
	if err != nil {
		return err
	}

	params, err := parseParams(executeParams)
	if err != nil {
		return err
	}
	env, err := parseEnv(executeEnv)
	if err != nil {
		return err
	}

	sc, err := initShared(cfg, logger, false)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), executeTimeout)
	defer cancel()

	outcome, err := sc.Executor.Execute(ctx, tool.ExecutionRequest{
		Ref:         tool.NewReference(args[0], args[1], executeVersion),
		Parameters:  params,
		Environment: env,
	})
	if err != nil {
		return fmt.Errorf("provisioning sandbox: %w", err)
	}

	if err := printJSON(outcome); err != nil {
		return err
	}
	if !outcome.Success {
		os.Exit(1)
	}
	return nil
}

// loadOrDefault loads the config file, falling back to built-in defaults
// when it does not exist. One-shot commands should work with zero setup.
func loadOrDefault(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.Default(), nil
	}
	return config.Load(path)
}

func parseParams(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, fmt.Errorf("invalid --params JSON: %w", err)
	}
	return params, nil
}

func parseEnv(entries []string) (map[string]string, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(entries))
	for _, e := range entries {
		key, value, ok := strings.Cut(e, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --env entry %q, want KEY=VALUE", e)
		}
		env[key] = value
	}
	return env, nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
