// Command rrdcontextd is the reference daemon wiring for the context
// index: it loads configuration, builds one host's index and queues,
// starts the worker loop, and exposes the read API over HTTP (spec §5,
// SPEC_FULL.md §5.1).
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/metridex/agent/cmn"
	"github.com/metridex/agent/cmn/debug"
	"github.com/metridex/agent/hooks"
	"github.com/metridex/agent/hub"
	"github.com/metridex/agent/persist"
	"github.com/metridex/agent/query"
	"github.com/metridex/agent/stats"
	"github.com/metridex/agent/worker"
	"github.com/metridex/agent/xmeta"
)

var (
	listenAddr   = flag.String("listen", ":8982", "HTTP address for the read API and /metrics")
	checkpointDB = flag.String("checkpoint", "", "path to the buntdb checkpoint file (\"\" = in-memory only)")
	hostName     = flag.String("host", "", "name of the host this agent indexes (defaults to the hostname)")
	claimID      = flag.String("claim-id", "", "cloud claim id this agent validates inbound hub commands against")
)

func main() {
	flag.Parse()
	defer glog.Flush()

	cfg, err := cmn.LoadConfig()
	if err != nil {
		glog.Fatalf("rrdcontextd: failed to load config: %v", err)
	}

	name := *hostName
	if name == "" {
		name, _ = os.Hostname()
	}

	reg := prometheus.NewRegistry()
	tracker := stats.NewTracker(reg)

	host := xmeta.NewHost(uuid.NewString(), name, tracker)
	host.ClaimID.Store(*claimID)
	hosts := xmeta.NewHosts()
	hosts.Add(host)

	bridge, err := persist.New(*checkpointDB)
	if err != nil {
		glog.Fatalf("rrdcontextd: failed to open checkpoint store: %v", err)
	}
	defer bridge.Close()
	if err := bridge.LoadShadows(); err != nil {
		glog.Errorf("rrdcontextd: failed to replay checkpoint shadows: %v", err)
	}

	transport := &hub.LogTransport{ClaimIDStr: *claimID}
	hq := worker.NewHostQueues(host, cfg, nilRetentionSource{}, bridge)
	loop := worker.New(cfg, hosts, bridge, transport)
	loop.Register(hq)

	// Dimension/chart hooks are exercised by the storage engine's
	// integration, not by this reference binary; HandleCheckpoint (wired
	// into serveHTTP below) is the one hook this binary drives itself.
	h := hooks.New(host, hq.PP)

	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)

	go serveHTTP(*listenAddr, hosts, reg, h, loop, host.UUID)

	waitForSignal()
	glog.Info("rrdcontextd: shutting down")
	cancel()
	time.Sleep(100 * time.Millisecond) // let the loop's current tick finish
}

// nilRetentionSource is the reference daemon's stand-in for the storage
// engine's tiered retention lookups (out of scope, spec §1); a real
// deployment supplies a RetentionSource backed by the collector's own
// tiers.
type nilRetentionSource struct{}

func (nilRetentionSource) Tiers() []xmeta.RetentionTier { return nil }

func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}

// serveHTTP exposes /metrics (Prometheus), /api/v2/contexts (the
// supplemented JSON read API, SPEC_FULL.md §5.1), and /api/v2/checkpoint
// (the §4.7 checkpoint-mismatch trigger, normally driven by an inbound hub
// command over the ACLK link this reference binary doesn't implement)
// over fasthttp.
func serveHTTP(addr string, hosts *xmeta.Hosts, reg *prometheus.Registry, h *hooks.Hooks, loop *worker.Loop, hostUUID string) {
	promHandler := fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	handler := func(rc *fasthttp.RequestCtx) {
		switch string(rc.Path()) {
		case "/metrics":
			promHandler(rc)
		case "/api/v2/contexts":
			handleContexts(rc, hosts)
		case "/api/v2/checkpoint":
			handleCheckpoint(rc, h, loop, hostUUID)
		default:
			rc.SetStatusCode(fasthttp.StatusNotFound)
		}
	}
	debug.Infof("rrdcontextd: listening on %s", addr)
	if err := fasthttp.ListenAndServe(addr, handler); err != nil {
		glog.Fatalf("rrdcontextd: http server failed: %v", err)
	}
}

// handleCheckpoint services the §4.7 checkpoint(claim_id, node_id,
// version_hash) command: claim_id arrives as a header (the wire framing
// an actual hub link would use is out of scope, spec §1), version_hash as
// a query parameter.
func handleCheckpoint(rc *fasthttp.RequestCtx, h *hooks.Hooks, loop *worker.Loop, hostUUID string) {
	hash, err := strconv.ParseUint(string(rc.QueryArgs().Peek("version_hash")), 10, 64)
	if err != nil {
		rc.SetStatusCode(fasthttp.StatusBadRequest)
		return
	}
	claim := string(rc.Request.Header.Peek("X-Claim-ID"))
	err = h.HandleCheckpoint(claim, hash, func(hubHash uint64) error {
		return loop.HandleCheckpoint(hostUUID, hubHash)
	})
	switch {
	case errors.Is(err, hooks.ErrClaimMismatch):
		rc.SetStatusCode(fasthttp.StatusForbidden)
	case err != nil:
		glog.Errorf("rrdcontextd: checkpoint handling failed: %v", err)
		rc.SetStatusCode(fasthttp.StatusInternalServerError)
	default:
		rc.SetStatusCode(fasthttp.StatusNoContent)
	}
}

func handleContexts(rc *fasthttp.RequestCtx, hosts *xmeta.Hosts) {
	uuidArg := string(rc.QueryArgs().Peek("host"))
	scope := string(rc.QueryArgs().Peek("contexts"))
	filter := string(rc.QueryArgs().Peek("instances"))
	withInstances := string(rc.QueryArgs().Peek("with_instances")) == "1"

	var host *xmeta.Host
	if uuidArg != "" {
		host = hosts.Get(uuidArg)
	} else {
		hosts.Walk(func(h *xmeta.Host) bool { host = h; return false })
	}
	if host == nil {
		rc.SetStatusCode(fasthttp.StatusNotFound)
		return
	}

	summaries, res := query.Contexts(host, query.ContextsRequest{
		ContextScope: scope, InstanceFilter: filter, IncludeInstance: withInstances, Timeout: 5 * time.Second,
	})
	body, err := query.MarshalContexts(summaries)
	if err != nil {
		rc.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	if res.TimedOut {
		rc.Response.Header.Set("X-Query-Timed-Out", "1")
	}
	rc.SetContentType("application/json")
	_, _ = rc.Write(body)
}
