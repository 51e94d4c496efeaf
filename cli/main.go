package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL  string
	adminToken string
	Version    = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tunnelctl",
		Short: "tunnelctl - admin tool for the tunneld secure tunnel",
		Long:  "Inspect and manage device blocklists, violation counters and proof-of-work challenges",
	}

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:8080", "tunneld server URL")
	rootCmd.PersistentFlags().StringVarP(&adminToken, "token", "t", os.Getenv("TUNNELD_ADMIN_TOKEN"), "Admin bearer token")

	rootCmd.AddCommand(
		statusCmd(),
		devicesCmd(),
		unblockCmd(),
		challengeCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show guard state: blocklist sizes, violations, nonce ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			var status struct {
				Guard struct {
					BlockedIPs        int64 `json:"blocked_ips"`
					BlockedDevices    int64 `json:"blocked_devices"`
					RecentViolations  int64 `json:"recent_violations"`
					PendingChallenges int64 `json:"pending_challenges"`
				} `json:"guard"`
				NonceLedger int64 `json:"nonce_ledger"`
				RateLimiter struct {
					Keys int `json:"keys"`
				} `json:"rate_limiter"`
				Routes []string `json:"routes"`
			}
			if err := adminGet("/v1/security/admin/status", &status); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "Blocked IPs:\t%d\n", status.Guard.BlockedIPs)
			fmt.Fprintf(w, "Blocked devices:\t%d\n", status.Guard.BlockedDevices)
			fmt.Fprintf(w, "Recent violations:\t%d\n", status.Guard.RecentViolations)
			fmt.Fprintf(w, "Pending challenges:\t%d\n", status.Guard.PendingChallenges)
			fmt.Fprintf(w, "Nonce ledger entries:\t%d\n", status.NonceLedger)
			fmt.Fprintf(w, "Rate limiter keys:\t%d\n", status.RateLimiter.Keys)
			fmt.Fprintf(w, "Virtual routes:\t%d\n", len(status.Routes))
			w.Flush()
			for _, route := range status.Routes {
				fmt.Printf("  %s\n", route)
			}
			return nil
		},
	}
}

func devicesCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List registered devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Devices []struct {
					DeviceID     string `json:"device_id"`
					Fingerprint  string `json:"device_fingerprint"`
					LastSeen     string `json:"last_seen"`
					RequestCount int64  `json:"request_count"`
					IsBlocked    bool   `json:"is_blocked"`
				} `json:"devices"`
				Count int `json:"count"`
			}
			if err := adminGet(fmt.Sprintf("/v1/security/admin/devices?limit=%d", limit), &resp); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "DEVICE ID\tFINGERPRINT\tLAST SEEN\tREQUESTS\tBLOCKED")
			for _, d := range resp.Devices {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%v\n",
					d.DeviceID, d.Fingerprint, d.LastSeen, d.RequestCount, d.IsBlocked)
			}
			w.Flush()
			fmt.Printf("%d device(s)\n", resp.Count)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum number of devices to list")
	return cmd
}

func unblockCmd() *cobra.Command {
	var subjectType string
	cmd := &cobra.Command{
		Use:   "unblock <value>",
		Short: "Remove an IP or device from the blocklist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := map[string]string{"type": subjectType, "value": args[0]}
			var resp struct {
				Status  string `json:"status"`
				Message string `json:"message"`
			}
			if err := adminPost("/v1/security/admin/unblock", payload, &resp); err != nil {
				return err
			}
			fmt.Println(resp.Message)
			return nil
		},
	}
	cmd.Flags().StringVar(&subjectType, "type", "ip", `Subject type: "ip" or "device"`)
	return cmd
}

func challengeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "challenge <device-id>",
		Short: "Issue a proof-of-work challenge to a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := map[string]string{"device_id": args[0]}
			var resp struct {
				Challenge  string `json:"challenge"`
				ExpiresAt  int64  `json:"expires_at"`
				Difficulty int    `json:"difficulty"`
			}
			if err := post("/v1/security/challenge", payload, &resp, false); err != nil {
				return err
			}
			fmt.Printf("challenge:  %s\n", resp.Challenge)
			fmt.Printf("difficulty: %d\n", resp.Difficulty)
			fmt.Printf("expires:    %s\n", time.UnixMilli(resp.ExpiresAt).Format(time.RFC3339))
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the tunnelctl version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(Version)
		},
	}
}

func adminGet(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, serverURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+adminToken)
	return doRequest(req, out)
}

func adminPost(path string, payload, out any) error {
	return post(path, payload, out, true)
}

func post(path string, payload, out any, admin bool) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, serverURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if admin {
		req.Header.Set("Authorization", "Bearer "+adminToken)
	}
	return doRequest(req, out)
}

func doRequest(req *http.Request, out any) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(data))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}
