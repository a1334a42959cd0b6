// Command radosgw-admin is a thin CLI that dispatches admin commands
// against a monitor quorum's admin-HTTP surface, implementing the
// external/gwadmin.Client contract over the wire.
//
// Grounded on original_source/src/rgw/rgw_admin.cc's command-line shape
// (subcommand + flag arguments), translated into cmd/etcd/main.go's
// cobra-subcommand-per-verb convention.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/hyc/ceph/external/gwadmin"
	"github.com/hyc/ceph/internal/wire"
)

// httpClient implements gwadmin.Client against one monitor's /v1/command
// admin endpoint, the same JSON-over-HTTP surface cmd/ceph-mon serves.
type httpClient struct {
	monAddr string
}

func (c *httpClient) command(argv []string) (wire.CommandReplyPayload, error) {
	body, err := json.Marshal(argv)
	if err != nil {
		return wire.CommandReplyPayload{}, err
	}
	resp, err := http.Post(c.monAddr+"/v1/command", "application/json", bytes.NewReader(body))
	if err != nil {
		return wire.CommandReplyPayload{}, err
	}
	defer resp.Body.Close()
	var reply wire.CommandReplyPayload
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return wire.CommandReplyPayload{}, err
	}
	return reply, nil
}

// UserInfo returns the auth service's "auth list" summary (key-ring
// version and principal count); principal is not looked up.
func (c *httpClient) UserInfo(principal string) (string, error) {
	reply, err := c.command([]string{"auth", "list"})
	if err != nil {
		return "", err
	}
	if reply.RC != 0 {
		return "", fmt.Errorf("%s: %s", reply.Kind, reply.Reason)
	}
	return reply.Output, nil
}

func (c *httpClient) UserCreate(principal, caps string) error {
	// The auth paxos service (services/authsvc) only exposes a read-only
	// summary Dump today; there is no admin command to mutate the key
	// ring from outside a leader's own proposal path.
	return fmt.Errorf("auth user create is not exposed over the admin surface yet")
}

func (c *httpClient) BucketStats(bucket string) (string, error) {
	return "", fmt.Errorf("bucket statistics are served by the gateway, not the monitor")
}

var _ gwadmin.Client = (*httpClient)(nil)

func main() {
	var monAddr string

	root := &cobra.Command{
		Use:   "radosgw-admin",
		Short: "Administer gateway users and auth entries via a monitor",
	}
	root.PersistentFlags().StringVar(&monAddr, "mon", "http://127.0.0.1:6789", "monitor admin-HTTP address")

	userCmd := &cobra.Command{Use: "user", Short: "manage gateway users"}
	userInfo := &cobra.Command{
		Use:   "info <principal>",
		Short: "show the auth key-ring summary (the principal is not looked up)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := (&httpClient{monAddr: monAddr}).UserInfo(args[0])
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		},
	}
	bucketCmd := &cobra.Command{Use: "bucket", Short: "inspect gateway buckets"}
	bucketStats := &cobra.Command{
		Use:   "stats <name>",
		Short: "show bucket statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := (&httpClient{monAddr: monAddr}).BucketStats(args[0])
			return err
		},
	}

	userCmd.AddCommand(userInfo)
	bucketCmd.AddCommand(bucketStats)
	root.AddCommand(userCmd, bucketCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
