// Command pdpull exercises the PD engine end to end: it subscribes to the
// global statistics telegram, issues a statistics PULL request to a target
// node and prints the returned snapshot.
package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/mikajuvonen67/tcnopen/internal/pd"
	"github.com/mikajuvonen67/tcnopen/internal/sock"
)

const pullWait = 5 * time.Second

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
)

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	var (
		ownIPFlag    = flag.StringP("own-ip", "o", "", "own IPv4 address the session speaks as")
		replyIPFlag  = flag.StringP("reply-ip", "r", "", "IPv4 address the reply should be sent to (defaults to own IP)")
		targetIPFlag = flag.StringP("target-ip", "t", "", "IPv4 address of the node to pull statistics from")
		port         = flag.Uint16("port", pd.DefaultPort, "PD UDP port")
		metricsAddr  = flag.String("metrics-addr", "", "address to serve prometheus metrics on (empty = disabled)")
		verbose      = flag.BoolP("verbose", "v", false, "enable verbose logging")
		showVersion  = flag.Bool("version", false, "print build version")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level}))
	slog.SetDefault(log)

	if *showVersion {
		fmt.Printf("version: %s\ncommit: %s\n", version, commit)
		return nil
	}

	if *ownIPFlag == "" || *targetIPFlag == "" {
		flag.Usage()
		log.Error("own IP (-o) and target IP (-t) are required")
		return fmt.Errorf("missing required flags")
	}
	ownIP, err := sock.ParseIP(*ownIPFlag)
	if err != nil {
		log.Error("invalid own IP", "error", err)
		return err
	}
	targetIP, err := sock.ParseIP(*targetIPFlag)
	if err != nil {
		log.Error("invalid target IP", "error", err)
		return err
	}
	replyIP := ownIP
	if *replyIPFlag != "" {
		if replyIP, err = sock.ParseIP(*replyIPFlag); err != nil {
			log.Error("invalid reply IP", "error", err)
			return err
		}
	}

	registry := prometheus.NewRegistry()
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Error("metrics server failed", "error", err)
			}
		}()
	}

	session, err := pd.NewSession(&pd.SessionConfig{
		Logger:          log,
		MetricsRegistry: registry,
		OwnIP:           ownIP,
		Port:            *port,
	})
	if err != nil {
		log.Error("error creating PD session", "error", err)
		return err
	}
	defer session.Close()

	var snapshot *pd.Statistics
	if _, err := session.Subscribe(pd.SubscribeOptions{
		ComID:  pd.GlobalStatisticsComID,
		DestIP: replyIP,
		Flags:  pd.FlagCallback,
		Callback: func(info *pd.Info, data []byte) {
			if info.ResultCode != nil {
				log.Warn("statistics reply carried an error", "error", info.ResultCode)
				return
			}
			snap, err := pd.UnmarshalStatistics(data)
			if err != nil {
				log.Warn("error decoding statistics reply", "error", err)
				return
			}
			snapshot = snap
		},
	}); err != nil {
		log.Error("error subscribing to statistics reply", "error", err)
		return err
	}

	log.Info("pulling statistics",
		"target", sock.FormatIP(targetIP),
		"replyTo", sock.FormatIP(replyIP),
	)
	if err := session.Request(pd.RequestOptions{
		ComID:      pd.StatisticsPullComID,
		ReplyComID: pd.GlobalStatisticsComID,
		ReplyIP:    replyIP,
		DestIP:     targetIP,
	}); err != nil {
		log.Error("error sending pull request", "error", err)
		return err
	}

	// Drive the engine until the reply lands or the wait expires. The
	// callback runs on this goroutine, inside CheckListenSocks.
	deadline := time.Now().Add(pullWait)
	ws := make(pd.WatchSet)
	for snapshot == nil && time.Now().Before(deadline) {
		session.CheckPending(ws)
		if session.CheckListenSocks(ws) == 0 {
			time.Sleep(10 * time.Millisecond)
		}
		if err := session.SendDue(); err != nil {
			log.Debug("send pass finished with error", "error", err)
		}
		session.HandleTimeouts()
	}
	if snapshot == nil {
		log.Error("no statistics reply received", "target", sock.FormatIP(targetIP), "waited", pullWait)
		return fmt.Errorf("pull timed out")
	}

	printStatistics(snapshot)
	return nil
}

func printStatistics(s *pd.Statistics) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Field", "Value"})
	rows := [][]string{
		{"version", fmt.Sprintf("0x%04x", s.Version)},
		{"uptime", s.Uptime.String()},
		{"own IP", sock.FormatIP(s.OwnIP)},
		{"etbTopoCnt", fmt.Sprint(s.EtbTopoCnt)},
		{"opTrnTopoCnt", fmt.Sprint(s.OpTrnTopoCnt)},
		{"subscribers", fmt.Sprint(s.NumSubs)},
		{"publishers", fmt.Sprint(s.NumPubs)},
		{"pd received", fmt.Sprint(s.PD.NumRcv)},
		{"pd crc errors", fmt.Sprint(s.PD.NumCrcErr)},
		{"pd protocol errors", fmt.Sprint(s.PD.NumProtErr)},
		{"pd topo errors", fmt.Sprint(s.PD.NumTopoErr)},
		{"pd unmatched", fmt.Sprint(s.PD.NumNoSubs)},
		{"pd sent", fmt.Sprint(s.PD.NumSend)},
		{"pd timeouts", fmt.Sprint(s.PD.NumTimeout)},
		{"pd missed", fmt.Sprint(s.PD.NumMissed)},
	}
	table.AppendBulk(rows)
	table.Render()
}
