// Command ceph-mon runs one monitor daemon: it loads configuration, opens
// the durable store, bootstraps or loads the monmap, and runs the
// single-threaded consensus event loop until signalled to stop.
//
// Grounded on cmd/etcd/main.go's cobra root command plus
// server/embed/config.go's "load config, then construct, then Serve"
// startup sequencing.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/soheilhy/cmux"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hyc/ceph/internal/mon"
	"github.com/hyc/ceph/internal/monconfig"
	"github.com/hyc/ceph/internal/monerr"
	"github.com/hyc/ceph/internal/monlog"
	"github.com/hyc/ceph/internal/monmap"
	"github.com/hyc/ceph/internal/monmetrics"
	"github.com/hyc/ceph/internal/monstore"
	"github.com/hyc/ceph/internal/router"
	"github.com/hyc/ceph/internal/transport"
	"github.com/hyc/ceph/internal/wire"
	"github.com/hyc/ceph/services/authsvc"
	"github.com/hyc/ceph/services/logsvc"
	"github.com/hyc/ceph/services/mdsmap"
	"github.com/hyc/ceph/services/monmapsvc"
	"github.com/hyc/ceph/services/osdmap"
	"github.com/hyc/ceph/services/pgmap"
)

func main() {
	var (
		configPath string
		debug      bool
		mkfs       bool
	)

	root := &cobra.Command{
		Use:   "ceph-mon",
		Short: "Run one cluster monitor daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, debug, mkfs)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to monitor config YAML")
	root.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	root.Flags().BoolVar(&mkfs, "mkfs", false, "bootstrap a brand-new cluster (generates fsid + single-peer monmap)")
	root.AddCommand(newAdminCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newAdminCmd builds the "ceph-mon admin" subcommand group, a thin client
// for the running daemon's admin-HTTP surface (the same /v1/command
// registerAdminHandlers serves), grounded on cmd/radosgw-admin/main.go's
// httpClient-per-verb pattern.
func newAdminCmd() *cobra.Command {
	var monAddr string

	admin := &cobra.Command{
		Use:   "admin",
		Short: "Query or administer a running monitor over its admin-HTTP surface",
	}
	admin.PersistentFlags().StringVar(&monAddr, "mon", "http://127.0.0.1:6789", "monitor admin-HTTP address")

	run := func(argv []string) error {
		reply, err := postCommand(monAddr, argv)
		if err != nil {
			return err
		}
		if reply.RC != 0 {
			return fmt.Errorf("%s: %s", reply.Kind, reply.Reason)
		}
		fmt.Println(reply.Output)
		return nil
	}

	admin.AddCommand(
		&cobra.Command{
			Use:   "mon_status",
			Short: "show this monitor's rank, epoch, and uptime",
			RunE:  func(cmd *cobra.Command, args []string) error { return run([]string{"mon_status"}) },
		},
		&cobra.Command{
			Use:   "quorum_status",
			Short: "show monmap epoch and quorum majority size",
			RunE:  func(cmd *cobra.Command, args []string) error { return run([]string{"quorum_status"}) },
		},
		&cobra.Command{
			Use:   "health",
			Short: "show HEALTH_OK|HEALTH_WARN|HEALTH_ERR",
			RunE:  func(cmd *cobra.Command, args []string) error { return run([]string{"health"}) },
		},
		&cobra.Command{
			Use:   "add-bootstrap-peer-hint <addr>",
			Short: "record a bootstrap hint address in the monitor's hint list (not probed)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return run([]string{"add_bootstrap_peer_hint", args[0]})
			},
		},
		&cobra.Command{
			Use:   "stop-cluster",
			Short: "cleanly stop this monitor's event loop",
			RunE:  func(cmd *cobra.Command, args []string) error { return run([]string{"stop_cluster"}) },
		},
	)
	return admin
}

func postCommand(monAddr string, argv []string) (wire.CommandReplyPayload, error) {
	body, err := json.Marshal(argv)
	if err != nil {
		return wire.CommandReplyPayload{}, err
	}
	resp, err := http.Post(monAddr+"/v1/command", "application/json", bytes.NewReader(body))
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

func run(configPath string, debug, mkfs bool) error {
	cfg, err := monconfig.Load(configPath)
	if err != nil {
		return err
	}

	lg, err := monlog.New(cfg.Name, monlog.Options{Debug: debug})
	if err != nil {
		return err
	}
	defer lg.Sync()

	store, err := monstore.Open(lg, cfg.DataDir)
	if err != nil {
		return err
	}

	mm, fsid, err := loadOrBootstrap(lg, store, cfg, mkfs)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	metrics := monmetrics.New(reg)

	trans := transport.NewHTTPTransport(lg.Named("transport"), cfg.LeaseRenew())
	defer trans.Stop()

	monitor := mon.New(lg, cfg, store, mm, fsid, trans, metrics)
	registerServices(lg, monitor)

	mux := http.NewServeMux()
	transport.Serve(mux, lg.Named("transport"), monitor.HandleInbound)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	registerAdminHandlers(mux, monitor.Router())

	lis, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.BindAddr, err)
	}
	m := cmux.New(lis)
	httpLis := m.Match(cmux.HTTP1Fast())

	srv := &http.Server{Handler: mux}
	go func() {
		if err := srv.Serve(httpLis); err != nil && err != http.ErrServerClosed && err != cmux.ErrListenerClosed {
			lg.Warn("http serve stopped", zap.Error(err))
		}
	}()
	go func() {
		if err := m.Serve(); err != nil {
			lg.Warn("cmux serve stopped", zap.Error(err))
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		lg.Info("shutdown signal received")
		cancel()
	}()

	if ok, _ := daemon.SdNotify(false, daemon.SdNotifyReady); ok {
		lg.Debug("systemd readiness notification sent")
	}

	lg.Info("monitor started", zap.String("bind_addr", cfg.BindAddr), zap.String("fsid", fsid.String()))
	err = monitor.Run(ctx)
	srv.Close()
	lis.Close()
	return err
}

// loadOrBootstrap reads the monmap from disk, or (with --mkfs) generates a
// fresh single-peer cluster, per spec.md §4.2's mkfs-equivalent step.
func loadOrBootstrap(lg *zap.Logger, store *monstore.Store, cfg monconfig.Config, mkfs bool) (*monmap.MonMap, uuid.UUID, error) {
	raw, err := store.Get("mon", "monmap")
	if err != nil {
		return nil, uuid.UUID{}, err
	}
	if raw != nil {
		mm, err := monmap.Unmarshal(raw)
		if err != nil {
			return nil, uuid.UUID{}, err
		}
		return mm, mm.Fsid, nil
	}
	if !mkfs {
		return nil, uuid.UUID{}, fmt.Errorf("no monmap persisted at %s; rerun with --mkfs to bootstrap", cfg.DataDir)
	}

	fsid := uuid.New()
	mm, err := monmap.New(fsid, []monmap.Peer{{Rank: 0, Name: cfg.Name, AddrRaw: []string{"http://" + cfg.BindAddr}}}, 0)
	if err != nil {
		return nil, uuid.UUID{}, err
	}
	body, err := mm.Marshal()
	if err != nil {
		return nil, uuid.UUID{}, err
	}
	txn := monstore.NewTransaction()
	txn.Put("mon", "monmap", body)
	if err := store.PutTransaction(txn); err != nil {
		return nil, uuid.UUID{}, err
	}
	lg.Info("bootstrapped new cluster", zap.String("fsid", fsid.String()))
	return mm, fsid, nil
}

func registerServices(lg *zap.Logger, monitor *mon.Monitor) {
	osd := osdmap.New(lg)
	pg := pgmap.New(lg)
	mds := mdsmap.New(lg)
	auth := authsvc.New(lg)
	clog := logsvc.New(lg)
	mmsvc := monmapsvc.New(lg, monitor.Monmap(), monitor.SetMonmap)

	osdInst, _ := monitor.RegisterService("osdmap", 10*time.Second, 5*time.Second, osd.OnCommit)
	_, _ = monitor.RegisterService("pgmap", 10*time.Second, 5*time.Second, pg.OnCommit)
	_, _ = monitor.RegisterService("mdsmap", 10*time.Second, 5*time.Second, mds.OnCommit)
	_, _ = monitor.RegisterService("auth", 10*time.Second, 5*time.Second, auth.OnCommit)
	_, _ = monitor.RegisterService("logm", 10*time.Second, 5*time.Second, clog.OnCommit)
	_, _ = monitor.RegisterService("monmap", 10*time.Second, 5*time.Second, mmsvc.OnCommit)
	if osdInst != nil {
		osd.BindProposer(osdInst.Propose)
	}

	r := monitor.Router()
	r.RegisterService("osdmap", osd.Dispatch)
	r.RegisterService("pgmap", pg.Dump)
	r.RegisterService("mdsmap", mds.Dump)
	r.RegisterService("auth", auth.Dump)
	r.RegisterService("log", clog.Dump)
	r.RegisterService("mon", mmsvc.Dump)
}

// registerAdminHandlers exposes the router's Command dispatch as a small
// JSON-over-HTTP surface, per SPEC_FULL.md §11's "no codegen tool
// available" note: net/http + encoding/json stands in for the teacher's
// generated gRPC/protobuf client API. A write command against a peon
// forwards to the leader inside Dispatch; NotLeader here means the leader
// itself could not be reached within the forwarding timeout.
func registerAdminHandlers(mux *http.ServeMux, r *router.Router) {
	mux.HandleFunc("/v1/command", func(w http.ResponseWriter, req *http.Request) {
		var argv []string
		if err := decodeJSON(req, &argv); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		reply := r.Dispatch(router.ParseCaps("allow rwx"), argv)
		status := http.StatusOK
		if reply.Kind == monerr.KindNotLeader.String() {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, reply)
	})
}

func decodeJSON(req *http.Request, v any) error {
	defer req.Body.Close()
	return json.NewDecoder(req.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
