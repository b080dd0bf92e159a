package cmd

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/forked/forked/internal/config"
	"github.com/forked/forked/internal/identity"
	"github.com/forked/forked/internal/store"
	"github.com/forked/forked/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check Forked's configuration and persisted state health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("forked doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (not found, starting with defaults)")
	} else {
		fmt.Println(" (found)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}
	fmt.Printf("    %-18s %s\n", "Gateway:", cfg.GatewayURL())
	fmt.Printf("    %-18s %v\n", "Retention:", cfg.RetentionView())
	if telEnabled, telEndpoint := cfg.TelemetryView(); telEnabled {
		fmt.Printf("    %-18s enabled, exporting to %s\n", "Telemetry:", telEndpoint)
	} else {
		fmt.Printf("    %-18s disabled\n", "Telemetry:")
	}
	if len(cfg.Channels) == 0 {
		fmt.Printf("    %-18s (none configured, delivery-hint channel check is tolerant)\n", "Channels:")
	} else {
		names := make([]string, 0, len(cfg.Channels))
		for name := range cfg.Channels {
			names = append(names, name)
		}
		fmt.Printf("    %-18s %v\n", "Channels:", names)
	}
	fmt.Println()

	storePath := defaultStorePath()
	fmt.Printf("  Store:    %s", storePath)
	st, err := store.Open(storePath)
	if err != nil {
		fmt.Printf(" (OPEN FAILED: %s)\n", err)
	} else {
		version, verErr := st.SchemaVersion()
		if verErr != nil {
			fmt.Printf(" (SCHEMA CHECK FAILED: %s)\n", verErr)
		} else {
			fmt.Printf(" (schema v%d)\n", version)
		}
		st.Close()
	}
	fmt.Println()

	identityPath := defaultIdentityPath()
	fmt.Printf("  Identity: %s", identityPath)
	if _, statErr := os.Stat(identityPath); statErr != nil {
		fmt.Println(" (not generated yet — will be created on first `forked serve`)")
	} else {
		keeper, idErr := identity.Load(identityPath)
		if idErr != nil {
			fmt.Printf(" (LOAD FAILED: %s)\n", idErr)
		} else {
			fmt.Printf(" (device %s)\n", keeper.DeviceID())
		}
	}
	fmt.Println()

	fmt.Println("  Gateway reachability:")
	checkGatewayReachable(cfg.GatewayURL())

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

// checkGatewayReachable dials the gateway's host:port with a short timeout
// without attempting the full connect handshake — a quick reachability
// signal, not an auth check.
func checkGatewayReachable(wsURL string) {
	u, err := url.Parse(wsURL)
	if err != nil {
		fmt.Printf("    %-18s unparseable URL (%s)\n", "Status:", err)
		return
	}
	conn, err := net.DialTimeout("tcp", u.Host, 2*time.Second)
	if err != nil {
		fmt.Printf("    %-18s unreachable (%s)\n", "Status:", err)
		return
	}
	conn.Close()
	fmt.Printf("    %-18s reachable\n", "Status:")
}
