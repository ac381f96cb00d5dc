package main

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/tpmjs/tpmjs/internal/verify"
)

var (
	verifyAPIKey  string
	verifyDev     bool
	verifyTimeout time.Duration
	verifyDebug   bool
)

var verifyCmd = &cobra.Command{
	Use:   "verify <url>",
	Short: "Verify a remote executor endpoint (URL policy + live probe)",
	Args:  cobra.ExactArgs(1),
	RunE:  runVerify,
}

func init() {
	verifyCmd.Flags().StringVar(&verifyAPIKey, "api-key", "", "bearer token sent with the probe")
	verifyCmd.Flags().BoolVar(&verifyDev, "dev", false, "relax the URL policy for local endpoints")
	verifyCmd.Flags().DurationVar(&verifyTimeout, "timeout", verify.DefaultProbeTimeout, "probe timeout")
	verifyCmd.Flags().BoolVar(&verifyDebug, "debug", false, "enable debug logging")
}

func runVerify(_ *cobra.Command, args []string) error {
	logger := newLogger(verifyDebug)

	v := verify.New(verify.Config{
		DevMode:      verifyDev,
		ProbeTimeout: verifyTimeout,
	}, logger)

	ctx, cancel := context.WithTimeout(context.Background(), verifyTimeout+5*time.Second)
	defer cancel()

	result := v.Verify(ctx, args[0], goutils.Env("TPMJS_EXECUTOR_API_KEY", verifyAPIKey))
	if err := printJSON(result); err != nil {
		return err
	}
	if !result.Reachable {
		os.Exit(1)
	}
	return nil
}
