package main

import (
	"fmt"
	"os"

	"github.com/lexai-io/contract-intel/internal/config"
	"github.com/lexai-io/contract-intel/internal/daemon"
	"github.com/lexai-io/contract-intel/internal/version"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "start":
		cmdStart(os.Args[2:])
	case "stop":
		cmdStop()
	case "status":
		cmdStatus()
	case "init-config":
		cmdInitConfig()
	case "install-service":
		cmdInstallService()
	case "uninstall-service":
		cmdUninstallService()
	case "version":
		fmt.Println(version.String())
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: contract-intel-api <command> [options]

Commands:
  start            Start the API process (admission, WebSocket hub, event bus bridge)
  stop             Stop the running process
  status           Show process status and readyz probe
  init-config      Generate default config file
  install-service  Install as a launchd user agent (macOS)
  uninstall-service  Remove the launchd user agent (macOS)
  version          Print version information
  help             Show this help message

Options:
  --foreground     Run in foreground (with 'start')`)
}

func cmdStart(args []string) {
	foreground := false
	for _, a := range args {
		if a == "--foreground" || a == "-f" {
			foreground = true
		}
	}

	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := daemon.RunAPI(cfg, foreground); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func cmdStop() {
	if err := daemon.Stop("api"); err != nil {
		fmt.Fprintf(os.Stderr, "error stopping api: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("contract-intel api stopped")
}

func cmdStatus() {
	if err := daemon.Status("api"); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func cmdInitConfig() {
	if err := config.InitConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "error generating config: %v\n", err)
		os.Exit(1)
	}
}

func cmdInstallService() {
	if err := daemon.InstallService(daemon.APIService); err != nil {
		fmt.Fprintf(os.Stderr, "error installing service: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Service installed successfully")
}

func cmdUninstallService() {
	if err := daemon.UninstallService(daemon.APIService); err != nil {
		fmt.Fprintf(os.Stderr, "error uninstalling service: %v\n", err)
		os.Exit(1)
	}
}
