package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

const systemdUnit = `[Unit]
Description=ccremote daemon

[Service]
ExecStart=%s -f -p %d
Restart=on-failure
RestartSec=2

[Install]
WantedBy=default.target
`

const launchdPlist = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>Label</key>
	<string>com.ccremote.daemon</string>
	<key>ProgramArguments</key>
	<array>
		<string>%s</string>
		<string>-f</string>
		<string>-p</string>
		<string>%d</string>
	</array>
	<key>RunAtLoad</key>
	<true/>
	<key>KeepAlive</key>
	<true/>
</dict>
</plist>
`

// unitPath returns where the user service definition lives on this platform.
// With a native service manager providing restart, the daemon runs under -f
// and the built-in supervisor is not used.
func (r *Runner) unitPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "LaunchAgents", "com.ccremote.daemon.plist"), nil
	default:
		return filepath.Join(home, ".config", "systemd", "user", "ccremote.service"), nil
	}
}

func (r *Runner) runInstall() int {
	self, err := os.Executable()
	if err != nil {
		return r.fail(err)
	}
	daemonBin := filepath.Join(filepath.Dir(self), "ccremoted")
	unit, err := r.unitPath()
	if err != nil {
		return r.fail(err)
	}
	if err := os.MkdirAll(filepath.Dir(unit), 0o755); err != nil {
		return r.fail(err)
	}

	var content string
	if runtime.GOOS == "darwin" {
		content = fmt.Sprintf(launchdPlist, daemonBin, r.cfg.Port)
	} else {
		content = fmt.Sprintf(systemdUnit, daemonBin, r.cfg.Port)
	}
	if err := os.WriteFile(unit, []byte(content), 0o644); err != nil {
		return r.fail(err)
	}
	fmt.Fprintf(r.out, "installed %s\n", unit)
	if runtime.GOOS == "darwin" {
		fmt.Fprintln(r.out, "enable with: launchctl load "+unit)
	} else {
		fmt.Fprintln(r.out, "enable with: systemctl --user enable --now ccremote")
	}
	return 0
}

func (r *Runner) runUninstall() int {
	unit, err := r.unitPath()
	if err != nil {
		return r.fail(err)
	}
	if err := os.Remove(unit); err != nil {
		if os.IsNotExist(err) {
			fmt.Fprintln(r.out, "no service unit installed")
			return 0
		}
		return r.fail(err)
	}
	fmt.Fprintf(r.out, "removed %s\n", unit)
	return 0
}
