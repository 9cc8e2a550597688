// Command ocmt-check is the pre-flight diagnostic: it verifies the container
// engine, the control plane and relay health endpoints, and the data
// directory permissions before traffic is pointed at a host.
package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/ocmt/backend/internal/config"
	"github.com/ocmt/backend/internal/relayclient"
	"github.com/ocmt/backend/internal/runtime"
)

type Component struct {
	Name string
	Test func() error
}

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("OCMT_CONFIG"), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\033[96mOCMT Control Plane Pre-Flight Diagnostic\033[0m")
	fmt.Println("---------------------------------------------------------")

	components := []Component{
		{"Container Engine (Docker)", checkDocker},
		{"Control Plane API", checkHealth(cfg.ControlPlane.ListenAddr)},
		{"Relay Mesh", checkRelays(cfg.Vaultd.RelayURLs)},
		{"Workspace Permissions", checkDataDir(cfg.ControlPlane.DataDir)},
	}

	failed := 0
	for _, c := range components {
		fmt.Printf("Checking %-28s ", c.Name+"...")
		if err := c.Test(); err != nil {
			failed++
			fmt.Println("\033[31m[FAIL]\033[0m")
			fmt.Printf("  >> Error: %v\n", err)
		} else {
			fmt.Println("\033[32m[OK]\033[0m")
		}
	}

	fmt.Println("---------------------------------------------------------")
	if failed > 0 {
		fmt.Printf("\033[31mStatus: %d check(s) failed.\033[0m\n", failed)
		os.Exit(1)
	}
	fmt.Println("\033[96mStatus: host ready for sandbox traffic.\033[0m")
}

func checkDocker() error {
	rt, err := runtime.NewDocker()
	if err != nil {
		return err
	}
	defer rt.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return rt.Ping(ctx)
}

func checkHealth(listenAddr string) func() error {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL(listenAddr), nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("health returned status %d", resp.StatusCode)
		}
		return nil
	}
}

func checkRelays(urls []string) func() error {
	return func() error {
		if len(urls) == 0 {
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, u := range urls {
			res, err := relayclient.New(u, relayclient.Options{}).Health(ctx)
			if err != nil {
				return fmt.Errorf("%s: %w", u, err)
			}
			if res.Status != "healthy" {
				return fmt.Errorf("%s: status %q", u, res.Status)
			}
		}
		return nil
	}
}

// checkDataDir walks the workspace tree: directories must be owner-only
// (0700) and files owner-read-write (0600) so one tenant's vault files are
// never readable by another's uid.
func checkDataDir(dataDir string) func() error {
	return func() error {
		info, err := os.Stat(dataDir)
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return fmt.Errorf("%s is not a directory", dataDir)
		}
		return filepath.WalkDir(dataDir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			perm := info.Mode().Perm()
			if perm&0o077 != 0 {
				return fmt.Errorf("%s has group/other access (%#o)", path, perm)
			}
			if !d.IsDir() && perm&0o100 != 0 {
				return fmt.Errorf("%s is executable (%#o)", path, perm)
			}
			return nil
		})
	}
}

// healthURL turns a listen address like ":8080" into a probe URL.
func healthURL(listenAddr string) string {
	addr := listenAddr
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr + "/health"
}
