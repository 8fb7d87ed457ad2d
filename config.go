package main

import (
	"flag"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nextcaller/sipgrep/hep"
	"github.com/nextcaller/sipgrep/match"
	"github.com/nextcaller/sipgrep/pipeline"
	"github.com/nextcaller/sipgrep/publisher"
	"github.com/nextcaller/sipgrep/source"
)

type constErr string

func (e constErr) Error() string { return string(e) }

const errCaptureID = constErr("capture id must fit in 16 bits")

type logFile struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

type config struct {
	LogLevel    string
	Log         logFile
	MetricsAddr string

	Source   source.Options
	DumpFile string
	Replay   bool

	Match    match.Config
	single   bool // -no-multiline, folded into Match.Multiline
	Pipeline pipeline.Options
	noDialog bool
	noRemove bool
	stopSecs int

	HEPURL string
	HEP    hep.Options

	MQTT  publisher.MQTTOptions
	Queue int
}

func defEnvStr(k, dval string) string {
	if v, ok := os.LookupEnv(k); ok {
		return v
	}
	return dval
}

func defEnvInt(k string, dval int) int {
	if v, ok := os.LookupEnv(k); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return dval
}

func defEnvBool(k string, dval bool) bool {
	if v, ok := os.LookupEnv(k); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return dval
}

func (c *config) Load(args []string) error {
	fs := flag.NewFlagSet(args[0], flag.ContinueOnError)
	fs.StringVar(&c.LogLevel, "log-level", defEnvStr("LOG_LEVEL", "info"), "logging level (debug, info, error)")
	fs.StringVar(&c.Log.Path, "log-file", defEnvStr("LOG_FILE", ""), "write logs to this file, rotating it, instead of stdout")
	fs.IntVar(&c.Log.MaxSizeMB, "log-max-size", defEnvInt("LOG_MAX_SIZE", 100), "log file size in megabytes before rotation")
	fs.IntVar(&c.Log.MaxBackups, "log-max-backups", defEnvInt("LOG_MAX_BACKUPS", 3), "rotated log files to keep")
	fs.IntVar(&c.Log.MaxAgeDays, "log-max-age", defEnvInt("LOG_MAX_AGE", 28), "days to keep rotated log files")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", defEnvStr("METRICS_ADDR", ""), "IP:Port to bind for /metrics endpoint")

	fs.StringVar(&c.Source.Interface, "interface", defEnvStr("INTERFACE", "any"), "Interface for pcap to capture from")
	fs.StringVar(&c.Source.ReadFile, "read-file", defEnvStr("READ_FILE", ""), "read packets from a pcap file instead of an interface")
	fs.IntVar(&c.Source.Snaplen, "snaplen", defEnvInt("SNAPLEN", source.DefaultSnaplen), "bytes to capture per packet")
	fs.BoolVar(&c.Source.Promisc, "promisc", defEnvBool("PROMISC", true), "put the interface into promiscuous mode")
	fs.StringVar(&c.Source.PortRange, "port-range", defEnvStr("PORT_RANGE", source.DefaultPortRange), "ports to capture when no BPF expression is given")
	fs.StringVar(&c.Source.Expression, "bpf-filter", defEnvStr("BPF_FILTER", ""), "pcap BPF packet selection filter, replacing the port range")
	fs.BoolVar(&c.Source.VLAN, "vlan", defEnvBool("VLAN", false), "also capture 802.1Q tagged traffic")
	fs.StringVar(&c.DumpFile, "dump-file", defEnvStr("DUMP_FILE", ""), "write displayed packets to this pcap file")
	fs.BoolVar(&c.Replay, "replay-delay", defEnvBool("REPLAY_DELAY", false), "replay a pcap file with its recorded timing")

	fs.StringVar(&c.Match.Pattern, "match", defEnvStr("MATCH", ""), "regular expression selecting SIP messages")
	fs.BoolVar(&c.Match.Invert, "invert", defEnvBool("INVERT", false), "select messages the expression does not match")
	fs.BoolVar(&c.Match.IgnoreCase, "ignore-case", defEnvBool("IGNORE_CASE", false), "match case-insensitively")
	fs.BoolVar(&c.Match.WordBoundary, "word", defEnvBool("WORD", false), "match the expression as a whole word")
	fs.BoolVar(&c.single, "no-multiline", defEnvBool("NO_MULTILINE", false), "do not let . match line breaks")
	fs.StringVar(&c.Match.From, "from", defEnvStr("SIP_FROM", ""), "select messages whose From header matches")
	fs.StringVar(&c.Match.To, "to", defEnvStr("SIP_TO", ""), "select messages whose To header matches")
	fs.StringVar(&c.Match.Contact, "contact", defEnvStr("SIP_CONTACT", ""), "select messages whose Contact header matches")
	fs.IntVar(&c.Match.MatchAfter, "match-after", defEnvInt("MATCH_AFTER", 0), "also display this many packets after each match")
	fs.IntVar(&c.Match.MaxMatches, "max-matches", defEnvInt("MAX_MATCHES", 0), "exit after this many matches; 0 is unlimited")

	fs.BoolVar(&c.noDialog, "no-dialog-match", defEnvBool("NO_DIALOG_MATCH", false), "do not follow dialogs of matched messages")
	fs.BoolVar(&c.noRemove, "no-dialog-remove", defEnvBool("NO_DIALOG_REMOVE", false), "keep terminated dialogs until exit")
	fs.BoolVar(&c.Pipeline.Report, "report", defEnvBool("REPORT", false), "log and publish a summary of each finished dialog")
	fs.BoolVar(&c.Pipeline.Reassemble, "reassemble", defEnvBool("REASSEMBLE", false), "reassemble fragmented IP datagrams")
	fs.IntVar(&c.stopSecs, "stop-after", defEnvInt("STOP_AFTER", 0), "exit after this many seconds; 0 runs forever")
	fs.BoolVar(&c.Pipeline.ShowEmpty, "show-empty", defEnvBool("SHOW_EMPTY", false), "count packets with empty payloads as seen")
	fs.IntVar(&c.Pipeline.LimitLen, "limit-len", defEnvInt("LIMIT_LEN", 0), "inspect at most this many payload bytes; 0 is unlimited")

	fs.StringVar(&c.HEPURL, "hep", defEnvStr("HEP_URL", ""), "mirror SIP payloads to a HEP collector, as udp:host:port")
	captureID := fs.Int("hep-id", defEnvInt("HEP_ID", hep.DefaultCaptureID), "HEP capture agent id")
	fs.StringVar(&c.HEP.AuthKey, "hep-key", defEnvStr("HEP_KEY", ""), "HEP authentication key")

	fs.StringVar(&c.MQTT.Broker, "broker", defEnvStr("BROKER", ""), "MQTT broker; publishing is off when empty")
	fs.StringVar(&c.MQTT.ClientID, "client-id", defEnvStr("CLIENT_ID", ""), "MQTT Client ID")
	fs.StringVar(&c.MQTT.Topic, "topic", defEnvStr("TOPIC", "sipgrep"), "MQTT publishing topic for SIP data")
	fs.StringVar(&c.MQTT.DialogTopic, "dialog-topic", defEnvStr("DIALOG_TOPIC", ""), "MQTT publishing topic for dialog reports")
	fs.StringVar(&c.MQTT.TLSKeyFile, "key-file", defEnvStr("KEY_FILE", ""), "MQTT TLS key file (pem)")
	fs.StringVar(&c.MQTT.TLSCertFile, "cert-file", defEnvStr("CERT_FILE", ""), "MQTT TLS cert file (pem)")
	fs.IntVar(&c.Queue, "queue", defEnvInt("QUEUE", 10000), "messages buffered for publishing before dropping")

	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	// A leading positional argument is the match expression unless -match
	// was given; the rest form the BPF filter.
	rest := fs.Args()
	if c.Match.Pattern == "" && len(rest) > 0 {
		c.Match.Pattern, rest = rest[0], rest[1:]
	}
	if len(rest) > 0 && c.Source.Expression == "" {
		c.Source.Expression = strings.Join(rest, " ")
	}

	c.Match.Multiline = !c.single
	c.Source.Fragments = c.Pipeline.Reassemble
	c.Pipeline.DialogMatch = !c.noDialog
	c.Pipeline.DialogRemove = !c.noRemove
	c.Pipeline.StopAfter = time.Duration(c.stopSecs) * time.Second
	if *captureID < 0 || *captureID > math.MaxUint16 {
		return fmt.Errorf("-hep-id %d: %w", *captureID, errCaptureID)
	}
	c.HEP.CaptureID = uint16(*captureID)
	return nil
}
