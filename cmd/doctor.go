package cmd

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/clearmap/watchtower/internal/config"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration and environment health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("watchtower doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults + env)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Credentials:")
	fmt.Printf("    %-16s %s\n", "Telegram token:", presence(cfg.Telegram.Token))
	fmt.Printf("    %-16s %s\n", "LLM API key:", presence(cfg.LLM.APIKey))
	fmt.Printf("    %-16s %s\n", "Session:", presence(cfg.ResolveSession()))
	if _, err := os.Stat(cfg.SessionOverridePath()); err == nil {
		fmt.Printf("    %-16s %s\n", "Override file:", cfg.SessionOverridePath())
	}
	fmt.Printf("    %-16s %d reader(s)\n", "Readers:", len(cfg.Telegram.Readers))

	fmt.Println()
	fmt.Println("  Chats:")
	fmt.Printf("    %-10s %d\n", "Output:", cfg.Chats.Output)
	fmt.Printf("    %-10s %d\n", "Smart:", cfg.Chats.Smart)
	fmt.Printf("    %-10s %d\n", "Digest:", cfg.DigestChat())

	fmt.Println()
	fmt.Println("  Channel lists:")
	for _, p := range []string{cfg.SourceListPath(), cfg.SmartListPath()} {
		channels, err := config.LoadChannelList(p)
		if err != nil {
			fmt.Printf("    %s (ERROR: %s)\n", p, err)
			continue
		}
		fmt.Printf("    %s (%d channels)\n", p, len(channels))
	}

	fmt.Println()
	if err := cfg.Validate(); err != nil {
		fmt.Printf("  Status: NOT READY — %s\n", err)
		return
	}
	fmt.Println("  Status: ready")
}

func presence(s string) string {
	if s == "" {
		return "missing"
	}
	return "configured"
}
