package banner

import (
	"fmt"

	"chatmirror/pkg/config"
)

const banner = `
 ██████╗██╗  ██╗ █████╗ ████████╗███╗   ███╗██╗██████╗ ██████╗  ██████╗ ██████╗
██╔════╝██║  ██║██╔══██╗╚══██╔══╝████╗ ████║██║██╔══██╗██╔══██╗██╔═══██╗██╔══██╗
██║     ███████║███████║   ██║   ██╔████╔██║██║██████╔╝██████╔╝██║   ██║██████╔╝
██║     ██╔══██║██╔══██║   ██║   ██║╚██╔╝██║██║██╔══██╗██╔══██╗██║   ██║██╔══██╗
╚██████╗██║  ██║██║  ██║   ██║   ██║ ╚═╝ ██║██║██║  ██║██║  ██║╚██████╔╝██║  ██║
 ╚═════╝╚═╝  ╚═╝╚═╝  ╚═╝   ╚═╝   ╚═╝     ╚═╝╚═╝╚═╝  ╚═╝╚═╝  ╚═╝ ╚═════╝ ╚═╝  ╚═╝
`

// PrintWithEff prints the startup banner and a readiness summary derived
// from the effective config.
func PrintWithEff(eff config.EffectiveConfigResult, version string) {
	addr := eff.Addr
	if addr == "" && eff.Config != nil {
		addr = eff.Config.Addr()
	}
	dbPath := eff.DBPath
	if dbPath == "" && eff.Config != nil {
		dbPath = eff.Config.Server.DBPath
	}
	src := eff.Source
	if src == "" {
		src = "flags"
	}

	fmt.Print(banner)
	fmt.Println("== Config =====================================================")
	fmt.Printf("Listen:   %s\n", addr)
	fmt.Printf("DB Path:  %s\n", dbPath)
	if version != "" {
		fmt.Printf("Version:  %s\n", version)
	}
	fmt.Printf("Config:   %s\n", src)

	fmt.Println("\n== Endpoints ==================================================")
	fmt.Println("GET  /v1/status - mirror and reconcile status")
	fmt.Println("POST /v1/reconcile - trigger a full reconciliation pass")
	fmt.Println("GET  /v1/tree?prefix=<path> - browse mirrored nodes")
	fmt.Println("PUT  /v1/state/<path> - write a leaf (routed outbound when a command leaf)")

	fmt.Println("\n== Production? ================================================")
	if eff.Config == nil {
		fmt.Println("- No config loaded; defaults in effect")
		fmt.Println("\n== Logs: ======================================================")
		return
	}
	cfg := eff.Config

	if cfg.Remote.Token != "" {
		fmt.Println("- Remote token: set")
	} else {
		fmt.Println("- Remote token: MISSING (required to reach the remote graph)")
	}
	if cfg.Remote.GatewayURL != "" {
		fmt.Println("- Gateway: configured (live events)")
	} else {
		fmt.Println("- Gateway: unconfigured (reconcile-only mode)")
	}

	if be := len(cfg.Security.APIKeys.Backend); be > 0 {
		fmt.Printf("- Backend API keys: OK (%d)\n", be)
	} else {
		fmt.Println("- Backend API keys: MISSING (required for backend services)")
	}
	if ak := len(cfg.Security.APIKeys.Admin); ak > 0 {
		fmt.Printf("- Admin API keys: OK (%d)\n", ak)
	} else {
		fmt.Println("- Admin API keys: MISSING (required for admin tooling)")
	}

	if cfg.Server.TLS.CertFile != "" && cfg.Server.TLS.KeyFile != "" {
		fmt.Println("- TLS: configured")
	} else {
		fmt.Println("- TLS: unconfigured")
	}

	if cfg.Authorization.Enabled {
		fmt.Printf("- Authorization: enabled (%d user grants, %d role grants)\n",
			len(cfg.Authorization.Users), len(cfg.Authorization.Roles))
	} else {
		fmt.Println("- Authorization: disabled (every principal may issue commands)")
	}

	if cfg.Retention.Enabled {
		info := ""
		if cfg.Retention.Cron != "" {
			info = " (cron=" + cfg.Retention.Cron + ")"
		} else if cfg.Retention.Period != "" {
			info = " (period=" + cfg.Retention.Period + ")"
		}
		fmt.Printf("- Retention: enabled%s\n", info)
	} else {
		fmt.Println("- Retention: disabled")
	}

	fmt.Println("\n== Logs: ======================================================")
}
