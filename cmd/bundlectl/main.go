// bundlectl is the operator CLI for a running bundled daemon. Every command
// talks to the daemon's HTTP API.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"

	"bundled/pkg/types"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	server := os.Getenv("BUNDLECTL_SERVER")

	root := &cobra.Command{
		Use:           "bundlectl",
		Short:         "Control a running bundled daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&server, "server", server, "Base URL of the bundled daemon (defaults BUNDLECTL_SERVER or http://localhost:8080)")

	client := func() *resty.Client {
		return resty.New().SetBaseURL(normalizeServer(server)).SetTimeout(60 * time.Second)
	}

	statusCmd := &cobra.Command{Use: "status", Short: "Show loader status", RunE: func(cmd *cobra.Command, args []string) error {
		var out types.StatusResponse
		resp, err := client().R().SetResult(&out).Get("/status")
		if err != nil {
			return err
		}
		if resp.IsError() {
			return fmt.Errorf("status: %s", resp.Status())
		}
		return printJSON(out)
	}}

	bundlesCmd := &cobra.Command{Use: "bundles", Short: "List manifest entries", RunE: func(cmd *cobra.Command, args []string) error {
		var out map[string][]types.ManifestEntry
		resp, err := client().R().SetResult(&out).Get("/bundles")
		if err != nil {
			return err
		}
		if resp.IsError() {
			return fmt.Errorf("bundles: %s", resp.Status())
		}
		return printJSON(out)
	}}

	syncCmd := &cobra.Command{Use: "sync", Short: "Reconcile the manifest against the remote index", RunE: func(cmd *cobra.Command, args []string) error {
		var out types.SyncResponse
		resp, err := client().R().SetResult(&out).SetError(&out).Post("/sync")
		if err != nil {
			return err
		}
		if err := printJSON(out); err != nil {
			return err
		}
		if resp.IsError() {
			return fmt.Errorf("sync: %s", resp.Status())
		}
		return nil
	}}

	var loadAll, loadSub, loadScenes bool
	loadCmd := &cobra.Command{
		Use:     "load <bundle> [asset]",
		Short:   "Load an asset (or a whole bundle) and print the result",
		Example: "  bundlectl load ui main_button\n  bundlectl load ui --all\n  bundlectl load ui atlas --sub\n  bundlectl load levels --scenes",
		Args:    cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			bundleName := args[0]
			var path string
			switch {
			case loadScenes:
				path = "/bundles/" + bundleName + "/scenes"
			case loadAll:
				path = "/bundles/" + bundleName + "/assets"
			case loadSub:
				if len(args) < 2 {
					return fmt.Errorf("--sub requires an asset name")
				}
				path = "/bundles/" + bundleName + "/assets/" + args[1] + "/sub"
			default:
				if len(args) < 2 {
					return fmt.Errorf("asset name required (or use --all/--scenes)")
				}
				path = "/bundles/" + bundleName + "/assets/" + args[1]
			}
			var out json.RawMessage
			resp, err := client().R().SetResult(&out).Get(path)
			if err != nil {
				return err
			}
			if resp.IsError() {
				return fmt.Errorf("load: %s: %s", resp.Status(), resp.String())
			}
			return printJSON(out)
		},
	}
	loadCmd.Flags().BoolVar(&loadAll, "all", false, "Load every asset in the bundle")
	loadCmd.Flags().BoolVar(&loadSub, "sub", false, "Load the sub-assets of the named asset")
	loadCmd.Flags().BoolVar(&loadScenes, "scenes", false, "Load the bundle's scene paths")

	unloadCmd := &cobra.Command{Use: "unload <bundle>", Short: "Unload a bundle (refused while pinned or busy)", Args: cobra.ExactArgs(1), RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := client().R().Delete("/bundles/" + args[0])
		if err != nil {
			return err
		}
		if resp.IsError() {
			return fmt.Errorf("unload: %s: %s", resp.Status(), resp.String())
		}
		fmt.Println("unloaded", args[0])
		return nil
	}}

	pinCmd := &cobra.Command{Use: "pin <bundle>", Short: "Pin a bundle against unload", Args: cobra.ExactArgs(1), RunE: func(cmd *cobra.Command, args []string) error {
		return setPinned(client(), args[0], true)
	}}
	unpinCmd := &cobra.Command{Use: "unpin <bundle>", Short: "Clear a bundle's pin", Args: cobra.ExactArgs(1), RunE: func(cmd *cobra.Command, args []string) error {
		return setPinned(client(), args[0], false)
	}}

	root.AddCommand(statusCmd, bundlesCmd, syncCmd, loadCmd, unloadCmd, pinCmd, unpinCmd)
	return root
}

// normalizeServer turns listen-address style values (":8080",
// "localhost:8080") into absolute base URLs.
func normalizeServer(s string) string {
	switch {
	case s == "":
		return "http://localhost:8080"
	case strings.HasPrefix(s, ":"):
		return "http://localhost" + s
	case !strings.Contains(s, "://"):
		return "http://" + s
	default:
		return s
	}
}

func setPinned(c *resty.Client, name string, pinned bool) error {
	resp, err := c.R().
		SetHeader("Content-Type", "application/json").
		SetBody(types.PinRequest{Pinned: pinned}).
		Put("/bundles/" + name + "/pin")
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("pin: %s: %s", resp.Status(), resp.String())
	}
	fmt.Printf("%s pinned=%v\n", name, pinned)
	return nil
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
