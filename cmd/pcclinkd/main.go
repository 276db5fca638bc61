// Pcclinkd - Allen-Bradley PCCC gateway daemon
//
// Polls PLC-5/SLC/MicroLogix/ControlLogix data-table tags over EtherNet/IP
// and republishes values to MQTT, Valkey, Kafka, and a web API.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pcclink/config"
	"pcclink/driver"
	"pcclink/kafka"
	"pcclink/logging"
	"pcclink/mqtt"
	"pcclink/plcman"
	"pcclink/tag"
	"pcclink/valkey"
	"pcclink/www"
)

// Version is set at build time via -ldflags
var Version = "dev"

// preprocessLogDebugFlag handles --log-debug without a value by injecting
// "all" as the default, since Go's flag package requires string flags to
// carry a value.
func preprocessLogDebugFlag() {
	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--log-debug" || arg == "-log-debug" {
			if i+1 >= len(args) || (len(args[i+1]) > 0 && args[i+1][0] == '-') {
				os.Args = append(os.Args[:i+2], append([]string{"all"}, os.Args[i+2:]...)...)
			}
			return
		}
		if len(arg) > 11 && (arg[:12] == "--log-debug=" || arg[:11] == "-log-debug=") {
			return
		}
	}
}

// Command line flags
var (
	configPath  = flag.String("config", config.DefaultPath(), "Path to configuration file")
	showVersion = flag.Bool("version", false, "Show version and exit")
	logFile     = flag.String("log", "", "Path to log file (optional)")
	logDebug    = flag.String("log-debug", "", "Enable debug logging to debug.log. Use without value for all, or specify protocols (eip,pccc,tag,plcman,mqtt,kafka,valkey,www)")
	hashPass    = flag.String("hash-password", "", "Print the bcrypt hash for a web password and exit")
)

func main() {
	preprocessLogDebugFlag()
	flag.Parse()

	if *showVersion {
		fmt.Printf("pcclinkd %s\n", Version)
		os.Exit(0)
	}

	if *hashPass != "" {
		hash, err := www.HashPassword(*hashPass)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error hashing password: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(hash)
		os.Exit(0)
	}

	// Optional debug logging
	if *logDebug != "" {
		debugLogger, err := logging.NewDebugLogger("debug.log")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening debug log: %v\n", err)
			os.Exit(1)
		}
		if *logDebug != "all" {
			debugLogger.SetFilter(*logDebug)
		}
		logging.SetGlobalDebugLogger(debugLogger)
		defer debugLogger.Close()
	}

	// Optional application log
	var appLog *logging.FileLogger
	if *logFile != "" {
		var err error
		appLog, err = logging.NewFileLogger(*logFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening log file: %v\n", err)
			os.Exit(1)
		}
		defer appLog.Close()
	}
	logf := func(format string, args ...interface{}) {
		fmt.Printf(format+"\n", args...)
		if appLog != nil {
			appLog.Log(format, args...)
		}
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if len(cfg.PLCs) == 0 {
		logf("No PLCs configured in %s; writing a skeleton and exiting", *configPath)
		_ = cfg.Save()
		os.Exit(1)
	}

	logf("pcclinkd %s starting (namespace %s, %d PLCs)", Version, cfg.Namespace, len(cfg.PLCs))

	// PLC manager
	manager := plcman.NewManager(cfg)

	// Publishers
	var mqttPubs []*mqtt.Publisher
	for i := range cfg.MQTT {
		mc := &cfg.MQTT[i]
		if !mc.Enabled {
			continue
		}
		pub := mqtt.NewPublisher(mc, cfg.Namespace)
		pub.SetWriteHandler(manager.WriteTag)
		if err := pub.Start(); err != nil {
			logf("MQTT %s: %v", mc.Name, err)
			continue
		}
		logf("MQTT %s: publishing to %s", mc.Name, mc.Broker)
		mqttPubs = append(mqttPubs, pub)
	}

	var valkeyPubs []*valkey.Publisher
	for i := range cfg.Valkey {
		vc := &cfg.Valkey[i]
		if !vc.Enabled {
			continue
		}
		pub := valkey.NewPublisher(vc, cfg.Namespace)
		if err := pub.Start(); err != nil {
			logf("Valkey %s: %v", vc.Name, err)
			continue
		}
		logf("Valkey %s: publishing to %s", vc.Name, vc.Address)
		valkeyPubs = append(valkeyPubs, pub)
	}

	var kafkaProds []*kafka.Producer
	for i := range cfg.Kafka {
		kc := &cfg.Kafka[i]
		if !kc.Enabled {
			continue
		}
		prod := kafka.NewProducer(kc, cfg.Namespace)
		if err := prod.Start(); err != nil {
			logf("Kafka %s: %v", kc.Name, err)
			continue
		}
		logf("Kafka %s: producing to %s", kc.Name, kc.Topic)
		kafkaProds = append(kafkaProds, prod)
	}

	// Web server
	var webServer *www.Server
	if cfg.Web.Enabled {
		webServer = www.NewServer(cfg, manager)
		webServer.Start()
		logf("Web API listening on %s", cfg.Web.Listen)
	}

	// Fan value changes out to every sink.
	manager.OnValueChange(func(plcName string, value *driver.TagValue) {
		plc := manager.PLC(plcName)
		writable := plc != nil && plc.IsTagWritable(value.Name)

		for _, pub := range mqttPubs {
			if err := pub.PublishTag(plcName, value.Name, value.Value, value.Type, writable, false); err != nil {
				logging.DebugError("mqtt", "publish", err)
			}
		}
		for _, pub := range valkeyPubs {
			if err := pub.PublishTag(plcName, value.Name, value.Value, value.Type, writable); err != nil {
				logging.DebugError("valkey", "publish", err)
			}
		}
		for _, prod := range kafkaProds {
			if err := prod.PublishTag(plcName, value.Name, value.Value, value.Type); err != nil {
				logging.DebugError("kafka", "publish", err)
			}
		}
		if webServer != nil {
			webServer.Hub().Broadcast(www.SSEEvent{
				Type: "value-change",
				Data: www.ValueUpdate{
					PLC:       plcName,
					Tag:       value.Name,
					Value:     value.Value,
					Type:      value.Type,
					Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
				},
			})
		}
	})

	manager.Start()
	logf("Polling started")

	// Run until interrupted.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logf("Received %s, shutting down", sig)

	if webServer != nil {
		webServer.Stop()
	}
	manager.Stop()
	for _, pub := range mqttPubs {
		pub.Stop()
	}
	for _, pub := range valkeyPubs {
		pub.Stop()
	}
	for _, prod := range kafkaProds {
		prod.Stop()
	}
	tag.Shutdown()

	logf("Shutdown complete")
}
