package cmd

import (
	"fmt"
	"os"
	"runtime"
	"sort"

	"github.com/spf13/cobra"

	"github.com/dawei-ai/dawei/internal/config"
	"github.com/dawei-ai/dawei/internal/llm"
	"github.com/dawei-ai/dawei/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("dawei doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	home := cfg.ResolveHome()
	fmt.Printf("  Home:     %s", home)
	if info, statErr := os.Stat(home); statErr != nil {
		fmt.Println(" (missing, created on first run)")
	} else if !info.IsDir() {
		fmt.Println(" (NOT A DIRECTORY)")
	} else {
		fmt.Println(" (OK)")
	}
	fmt.Printf("  Gateway:  %s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()

	// Providers: resolve each through the client registry so the same
	// validation the server applies runs here.
	fmt.Println("  Providers:")
	if len(cfg.Providers) == 0 {
		fmt.Println("    (none configured)")
	}
	stack := llm.NewStack(cfg, nil)
	defer stack.Stop()
	manager := llm.NewManager(cfg, stack, nil)

	names := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := manager.Client(name); err != nil {
			fmt.Printf("    %-12s %s\n", name+":", err)
		} else {
			fmt.Printf("    %-12s OK\n", name+":")
		}
	}

	fmt.Println()
	fmt.Printf("  Limiter:  %s, %.1f-%.1f req/s\n",
		cfg.Limiter.Strategy, cfg.Limiter.MinRate, cfg.Limiter.MaxRate)
	fmt.Printf("  Queue:    %d slots, %d concurrent\n",
		cfg.Queue.MaxQueueSize, cfg.Queue.MaxConcurrent)
	fmt.Printf("  Breaker:  open after %d failures, retry timeout %s\n",
		cfg.Breaker.FailureThreshold, cfg.Breaker.Timeout)
}
