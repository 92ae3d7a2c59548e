// Package tlsfiles locates TLS material for the daemon's listener. The
// daemon serves plaintext when no certificate is found.
package tlsfiles

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
)

type CertPair struct {
	CertFile string
	KeyFile  string
}

// certDirs lists where certificates are searched, in order. The hostname is
// substituted for %s.
var certDirs = []string{
	"/etc/letsencrypt/live/%s",
	"/etc/ssl/%s",
}

func homeCertDir(hostname string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".local", "share", "ccremote", "certs", hostname)
}

// Lookup searches the fixed directory list for a certificate matching the
// hostname.
func Lookup(hostname string) (CertPair, bool) {
	if hostname == "" {
		return CertPair{}, false
	}
	candidates := make([]string, 0, len(certDirs)+1)
	for _, dir := range certDirs {
		candidates = append(candidates, filepath.Join(expand(dir, hostname)))
	}
	if home := homeCertDir(hostname); home != "" {
		candidates = append(candidates, home)
	}
	for _, dir := range candidates {
		pair := CertPair{
			CertFile: filepath.Join(dir, "fullchain.pem"),
			KeyFile:  filepath.Join(dir, "privkey.pem"),
		}
		if exists(pair.CertFile) && exists(pair.KeyFile) {
			return pair, true
		}
	}
	return CertPair{}, false
}

// Provision invokes certbot to obtain a certificate; best effort, the
// caller falls back to plaintext on failure.
func Provision(ctx context.Context, hostname string) (CertPair, bool) {
	if hostname == "" {
		return CertPair{}, false
	}
	cmd := exec.CommandContext(ctx, "certbot", "certonly", "--standalone", "-n", "-d", hostname)
	if err := cmd.Run(); err != nil {
		return CertPair{}, false
	}
	return Lookup(hostname)
}

func expand(pattern, hostname string) string {
	out := make([]byte, 0, len(pattern)+len(hostname))
	for i := 0; i < len(pattern); i++ {
		if pattern[i] == '%' && i+1 < len(pattern) && pattern[i+1] == 's' {
			out = append(out, hostname...)
			i++
			continue
		}
		out = append(out, pattern[i])
	}
	return string(out)
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
