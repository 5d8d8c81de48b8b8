// Squadron orchestrator — spawns, suspends, resumes, and retires coding
// agents in response to forge events, driven by declarative pipelines.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/squadron-hq/squadron/pkg/version"
)

func main() {
	root := &cobra.Command{
		Use:          "squadron",
		Short:        "Event-driven orchestrator for forge-native coding agents",
		Version:      version.Full(),
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newPipelinesCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolveInstanceID determines the instance identifier for multi-replica
// coordination. Priority: SQUADRON_INSTANCE_ID env > HOSTNAME env > "local".
func resolveInstanceID() string {
	if id := os.Getenv("SQUADRON_INSTANCE_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}
