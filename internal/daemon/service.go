package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"
)

// ServiceSpec distinguishes the API process from the worker process when
// installing a launchd user agent: each binary runs as its own unit with its
// own label, log files, and start arguments, since operators commonly run
// contract-intel-api and contract-intel-worker on separate schedules (the
// worker tends to want more memory headroom for the analysis queue
// consumers) or even on separate hosts.
type ServiceSpec struct {
	Label       string
	ProgramArgs []string
	LogPrefix   string
}

// APIService installs the admission/WebSocket/event-bus process.
var APIService = ServiceSpec{
	Label:       "io.lexai.contract-intel-api",
	ProgramArgs: []string{"start", "--foreground"},
	LogPrefix:   "contract-intel-api",
}

// WorkerService installs the analysis/diff consumer + scheduler process.
var WorkerService = ServiceSpec{
	Label:       "io.lexai.contract-intel-worker",
	ProgramArgs: []string{"start", "--foreground"},
	LogPrefix:   "contract-intel-worker",
}

// launchdPlistTemplate is the macOS launchd property list used for both the
// API and the worker process; only the label, program arguments, and log
// file names differ between the two (see ServiceSpec).
const launchdPlistTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>

    <key>ProgramArguments</key>
    <array>
        <string>{{.ProgramPath}}</string>
{{range .ProgramArgs}}        <string>{{.}}</string>
{{end}}    </array>

    <key>WorkingDirectory</key>
    <string>{{.WorkingDir}}</string>

    <key>KeepAlive</key>
    <true/>

    <key>RunAtLoad</key>
    <true/>

    <key>StandardOutPath</key>
    <string>{{.LogDir}}/{{.LogPrefix}}.out.log</string>

    <key>StandardErrorPath</key>
    <string>{{.LogDir}}/{{.LogPrefix}}.err.log</string>

    <key>EnvironmentVariables</key>
    <dict>
        <key>PATH</key>
        <string>/usr/local/bin:/usr/bin:/bin:/opt/homebrew/bin</string>
    </dict>

    <key>ProcessType</key>
    <string>Background</string>

    <key>ThrottleInterval</key>
    <integer>5</integer>
</dict>
</plist>
`

type plistData struct {
	Label       string
	ProgramPath string
	ProgramArgs []string
	WorkingDir  string
	LogDir      string
	LogPrefix   string
}

func plistPath(homeDir, label string) string {
	return filepath.Join(homeDir, "Library", "LaunchAgents", label+".plist")
}

// InstallService generates a launchd plist for spec and installs it as a
// user agent on macOS. The plist is written to ~/Library/LaunchAgents/ and
// then loaded via launchctl. Both contract-intel-api and contract-intel-worker
// call this with their own ServiceSpec, so running both on one host installs
// two independent units sharing a data directory.
func InstallService(spec ServiceSpec) error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("determining home directory: %w", err)
	}

	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("determining executable path: %w", err)
	}
	execPath, err = filepath.EvalSymlinks(execPath)
	if err != nil {
		return fmt.Errorf("resolving executable symlinks: %w", err)
	}

	launchAgentsDir := filepath.Join(homeDir, "Library", "LaunchAgents")
	if err := os.MkdirAll(launchAgentsDir, 0o755); err != nil {
		return fmt.Errorf("creating LaunchAgents directory: %w", err)
	}

	dataDir := filepath.Join(homeDir, ".contract-intel")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	path := plistPath(homeDir, spec.Label)

	data := plistData{
		Label:       spec.Label,
		ProgramPath: execPath,
		ProgramArgs: spec.ProgramArgs,
		WorkingDir:  dataDir,
		LogDir:      dataDir,
		LogPrefix:   spec.LogPrefix,
	}

	tmpl, err := template.New("plist").Parse(launchdPlistTemplate)
	if err != nil {
		return fmt.Errorf("parsing plist template: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating plist file %s: %w", path, err)
	}
	defer f.Close()

	if err := tmpl.Execute(f, data); err != nil {
		return fmt.Errorf("writing plist: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("closing plist file: %w", err)
	}

	fmt.Printf("Plist written to %s\n", path)

	// Try to unload first (ignore errors if not loaded).
	unload := exec.Command("launchctl", "unload", path)
	_ = unload.Run()

	load := exec.Command("launchctl", "load", path)
	load.Stdout = os.Stdout
	load.Stderr = os.Stderr
	if err := load.Run(); err != nil {
		return fmt.Errorf("launchctl load: %w", err)
	}

	fmt.Printf("Service %s loaded via launchctl\n", spec.Label)
	return nil
}

// UninstallService unloads and removes the launchd plist for spec.
func UninstallService(spec ServiceSpec) error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("determining home directory: %w", err)
	}

	path := plistPath(homeDir, spec.Label)

	unload := exec.Command("launchctl", "unload", path)
	_ = unload.Run()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing plist: %w", err)
	}

	fmt.Printf("Service %s uninstalled\n", spec.Label)
	return nil
}
