package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/tpmjs/tpmjs/internal/config"
	"github.com/tpmjs/tpmjs/internal/tool"
)

var (
	schemaConfigPath string
	schemaVersion    string
	schemaEnv        []string
	schemaTimeout    time.Duration
	schemaDebug      bool
)

var schemaCmd = &cobra.Command{
	Use:   "schema <package> <export>",
	Short: "Extract a tool's input schema without invoking it",
	Args:  cobra.ExactArgs(2),
	RunE:  runSchema,
}

func init() {
	schemaCmd.Flags().StringVar(&schemaConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	schemaCmd.Flags().StringVar(&schemaVersion, "version", "", "package version (default: latest)")
	schemaCmd.Flags().StringArrayVar(&schemaEnv, "env", nil, "sandbox environment entries (KEY=VALUE, repeatable)")
	schemaCmd.Flags().DurationVar(&schemaTimeout, "timeout", 5*time.Minute, "overall deadline for extraction")
	schemaCmd.Flags().BoolVar(&schemaDebug, "debug", false, "enable debug logging")
}

func runSchema(_ *cobra.Command, args []string) error {
	logger := newLogger(schemaDebug)

	cfg, err := loadOrDefault(goutils.Env("TPMJS_CONFIG", schemaConfigPath))
	if err != nil {
		return err
	}

	env, err := parseEnv(schemaEnv)
	if err != nil {
		return err
	}

	sc, err := initShared(cfg, logger, false)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), schemaTimeout)
	defer cancel()

	result, err := sc.Extractor.Extract(ctx, tool.NewReference(args[0], args[1], schemaVersion), env)
	if err != nil {
		return err
	}
	return printJSON(result)
}
