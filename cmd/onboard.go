package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/forked/forked/internal/config"
	"github.com/forked/forked/internal/identity"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactively set up Forked's config file and identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnboard()
		},
	}
}

// runOnboard walks a first-run form collecting the gateway port, token,
// and retention setting, then writes the config file and generates the
// identity keypair.
func runOnboard() error {
	cfgPath := resolveConfigPath()

	var gatewayPort string = "18790"
	var gatewayToken string
	var retentionDays string = strconv.Itoa(config.DefaultRetentionDays)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Gateway port").
				Description("The port the Gateway's WebSocket RPC endpoint listens on").
				Value(&gatewayPort),
			huh.NewInput().
				Title("Gateway shared token").
				Description("Leave blank if the Gateway doesn't require one").
				Value(&gatewayToken),
			huh.NewInput().
				Title("Retention (days)").
				Description(`How long to keep events/snapshots, or "never"`).
				Value(&retentionDays),
		),
	)
	if err := form.Run(); err != nil {
		return fmt.Errorf("onboarding form: %w", err)
	}

	port, err := strconv.Atoi(gatewayPort)
	if err != nil {
		return fmt.Errorf("invalid gateway port %q: %w", gatewayPort, err)
	}

	raw := map[string]interface{}{
		"gateway": map[string]interface{}{
			"port": port,
			"auth": map[string]interface{}{
				"token": gatewayToken,
			},
		},
		"retention": retentionDays,
		"channels":  map[string]interface{}{},
	}
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if dir := filepath.Dir(cfgPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(cfgPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	fmt.Printf("Wrote config to %s\n", cfgPath)

	keeper, err := identity.Load(defaultIdentityPath())
	if err != nil {
		return fmt.Errorf("generate identity: %w", err)
	}
	fmt.Printf("Identity device ID: %s\n", keeper.DeviceID())
	fmt.Println("Pair this device ID with the Gateway, then run `forked serve`.")
	return nil
}
